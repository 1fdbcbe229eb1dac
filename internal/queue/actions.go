package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/plasticity/resultsync/internal/models"
)

// Kind tags the variant carried by an Action.
type Kind string

const (
	KindCreate   Kind = "create"
	KindTrial    Kind = "trial"
	KindFinalize Kind = "finalize"
)

// ErrUnknownAction is returned for an action whose kind and payload disagree.
var ErrUnknownAction = errors.New("unknown pending action")

// CreateAction is a create-session call with every generated value frozen.
type CreateAction struct {
	models.CreateSessionParams `yaml:",inline"`
	UserID string `json:"userId" yaml:"userId"`
}

// TrialAction is an append-trial call.
type TrialAction struct {
	SessionID string             `json:"sessionId" yaml:"sessionId"`
	UserID    string             `json:"userId" yaml:"userId"`
	Trial     models.TrialResult `json:"trial" yaml:"trial"`
}

// FinalizeAction is a finalize-session call with its end time and duration frozen.
type FinalizeAction struct {
	models.FinalizeSessionParams `yaml:",inline"`
	UserID string `json:"userId" yaml:"userId"`
}

// Action is one not-yet-committed mutation. Exactly one payload is set,
// matching Kind.
type Action struct {
	Kind       Kind            `json:"kind" yaml:"kind"`
	Create     *CreateAction   `json:"create,omitempty" yaml:"create,omitempty"`
	Trial      *TrialAction    `json:"trial,omitempty" yaml:"trial,omitempty"`
	Finalize   *FinalizeAction `json:"finalize,omitempty" yaml:"finalize,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt" yaml:"enqueuedAt"`
}

// NewCreate wraps a frozen create call.
func NewCreate(userID string, params models.CreateSessionParams, now time.Time) Action {
	return Action{
		Kind:       KindCreate,
		Create:     &CreateAction{CreateSessionParams: params, UserID: userID},
		EnqueuedAt: now.UTC(),
	}
}

// NewTrial wraps an append-trial call.
func NewTrial(userID, sessionID string, trial models.TrialResult, now time.Time) Action {
	return Action{
		Kind:       KindTrial,
		Trial:      &TrialAction{SessionID: sessionID, UserID: userID, Trial: trial},
		EnqueuedAt: now.UTC(),
	}
}

// NewFinalize wraps a frozen finalize call.
func NewFinalize(userID string, params models.FinalizeSessionParams, now time.Time) Action {
	return Action{
		Kind:       KindFinalize,
		Finalize:   &FinalizeAction{FinalizeSessionParams: params, UserID: userID},
		EnqueuedAt: now.UTC(),
	}
}

// SessionID returns the session the action mutates.
func (a Action) SessionID() string {
	switch {
	case a.Create != nil:
		return a.Create.SessionID
	case a.Trial != nil:
		return a.Trial.SessionID
	case a.Finalize != nil:
		return a.Finalize.SessionID
	default:
		return ""
	}
}

// UserID returns the user the action was resolved for.
func (a Action) UserID() string {
	switch {
	case a.Create != nil:
		return a.Create.UserID
	case a.Trial != nil:
		return a.Trial.UserID
	case a.Finalize != nil:
		return a.Finalize.UserID
	default:
		return ""
	}
}

// Validate checks that the payload matches the kind.
func (a Action) Validate() error {
	set := 0
	for _, present := range []bool{a.Create != nil, a.Trial != nil, a.Finalize != nil} {
		if present {
			set++
		}
	}
	ok := set == 1
	switch a.Kind {
	case KindCreate:
		ok = ok && a.Create != nil
	case KindTrial:
		ok = ok && a.Trial != nil
	case KindFinalize:
		ok = ok && a.Finalize != nil
	default:
		ok = false
	}
	if !ok {
		return fmt.Errorf("%w: kind %q", ErrUnknownAction, a.Kind)
	}
	if a.SessionID() == "" {
		return fmt.Errorf("%w: %s action without session id", ErrUnknownAction, a.Kind)
	}
	return nil
}
