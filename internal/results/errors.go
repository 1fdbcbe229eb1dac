package results

import "fmt"

// IdentityError means no authenticated principal is available.
type IdentityError struct {
	Err error
}

func (e *IdentityError) Error() string {
	return "session expired: please sign in again to continue saving progress"
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

// NotFoundError means the session has never been stored or queued.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}
