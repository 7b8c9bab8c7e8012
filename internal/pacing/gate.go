// Package pacing serializes and spaces upstream calls made with a single
// credential. A Gate admits one caller at a time, in arrival order, and
// never admits the next caller until the configured interval has passed
// since the previous caller released.
package pacing

import (
	"context"
	"errors"
)

// ErrGateClosed is returned by Acquire once the gate has been closed,
// including to callers that were waiting when Close ran.
var ErrGateClosed = errors.New("pacing gate is closed")

// Gate admits one holder at a time with a minimum rest period between
// holders. Release must be called exactly once per successful Acquire;
// extra calls are no-ops.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
	Close() error
}

// Factory builds the gate for one credential.
type Factory func(token string) Gate
