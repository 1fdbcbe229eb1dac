// Package fallback decides how the results service reacts to a store failure:
// queue it for retry, downgrade to the minimal schema, or give up.
package fallback

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/plasticity/resultsync/internal/storage"
)

// Class is the reaction a failure calls for.
type Class int

const (
	// None is the class of a nil error.
	None Class = iota
	// Network failures are transient and eligible for the pending queue.
	Network
	// Capability failures mean a table or column is missing; downgrade, never queue.
	Capability
	// Other failures are terminal and propagate.
	Other
)

func (c Class) String() string {
	switch c {
	case None:
		return "none"
	case Network:
		return "network"
	case Capability:
		return "capability"
	default:
		return "other"
	}
}

var networkIndicators = []string{
	"fetch",
	"network",
	"offline",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"no such host",
	"auth session",
	"signed in",
	"jwt expired",
}

var capabilityIndicators = []string{
	"does not exist",
	"column",
	"relation",
}

// Classify sorts err into one of the three classes.
//
// Typed *storage.Error kinds win. Untyped errors fall back to matching the
// message against known connectivity and missing-schema phrases.
func Classify(err error) Class {
	if err == nil {
		return None
	}
	if kind, ok := storage.KindOf(err); ok {
		switch kind {
		case storage.KindNetwork:
			return Network
		case storage.KindCapability:
			return Capability
		default:
			return Other
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, networkIndicators) {
		return Network
	}
	if containsAny(msg, capabilityIndicators) {
		return Capability
	}
	return Other
}

// IsNetwork reports whether err may be retried later.
func IsNetwork(err error) bool {
	return Classify(err) == Network
}

// IsCapability reports whether err means the backend lacks a table or column.
func IsCapability(err error) bool {
	return Classify(err) == Capability
}

// RLSHint appends an actionable hint to row-level-security and auth errors
// so they can be shown to a user or developer as-is.
func RLSHint(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if msg == "" {
		msg = "unknown storage error"
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission") || strings.Contains(lower, "rls"):
		return msg + " (is the user authenticated? row-level security requires auth.uid())"
	case strings.Contains(lower, "auth uid") || strings.Contains(lower, "jwt"):
		return msg + " (check that an auth session is present before writing results)"
	default:
		return msg
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
