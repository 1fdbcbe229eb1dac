// Package identity resolves the authenticated principal that owns results.
package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrNoIdentity is returned when no principal is available.
var ErrNoIdentity = errors.New("no authenticated user")

// Resolver returns the current principal's stable identifier.
// An empty id with a nil error means nobody is signed in.
type Resolver interface {
	UserID(ctx context.Context) (string, error)
}

// Func adapts a function to a Resolver.
type Func func(ctx context.Context) (string, error)

// UserID calls f.
func (f Func) UserID(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always resolves to the same user. The zero value resolves to nobody.
type Static string

// UserID returns the static id.
func (s Static) UserID(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

type contextKey struct{}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, strings.TrimSpace(userID))
}

// FromContext resolves the user placed in the context by WithUserID.
// If none is present it defers to Fallback, when set.
type FromContext struct {
	Fallback Resolver
}

// UserID returns the context user, then the fallback's.
func (r FromContext) UserID(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(contextKey{}).(string); ok && id != "" {
		return id, nil
	}
	if r.Fallback != nil {
		return r.Fallback.UserID(ctx)
	}
	return "", nil
}
