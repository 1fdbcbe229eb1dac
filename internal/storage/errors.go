package storage

import (
	"errors"
	"fmt"
)

// Kind is the three-way classification every adapter assigns to its failures.
type Kind int

const (
	// KindOther is a terminal failure that must not be retried.
	KindOther Kind = iota
	// KindNetwork is a connectivity, timeout or expired-auth failure; safe to retry later.
	KindNetwork
	// KindCapability means the backend lacks a table or column the write used.
	KindCapability
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindCapability:
		return "capability"
	default:
		return "other"
	}
}

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("row not found")

// Error represents a storage error
type Error struct {
	Op    Op
	Table Table
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with its classification.
func NewError(kind Kind, op Op, table Table, err error) *Error {
	return &Error{Op: op, Table: table, Kind: kind, Err: err}
}

// KindOf reports the classification carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return KindOther, false
}

// MissingRelation builds the capability error for an absent table.
func MissingRelation(op Op, table Table) *Error {
	return NewError(KindCapability, op, table, fmt.Errorf("relation %q does not exist", string(table)))
}

// MissingColumn builds the capability error for an absent column.
func MissingColumn(op Op, table Table, column string) *Error {
	return NewError(KindCapability, op, table, fmt.Errorf("column %q of relation %q does not exist", column, string(table)))
}
