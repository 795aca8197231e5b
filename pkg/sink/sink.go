// Package sink wraps the external messaging API the coordinator
// delivers approved artifacts to. The adapter owns verification
// retry/backoff; the send path is deliberately single-shot so one
// granted decision can never produce two sink calls.
package sink

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured indicates the sink credentials are missing; no
	// network call was attempted.
	ErrNotConfigured = errors.New("sink: not configured")

	// ErrRejected indicates the sink answered the call and reported
	// failure (bad token, unknown destination, rejected payload).
	ErrRejected = errors.New("sink: request rejected")

	// ErrUnreachable indicates a transport-level failure before any
	// sink answer was observed.
	ErrUnreachable = errors.New("sink: unreachable")
)

// Identity describes the sink-side account the token authenticates as.
type Identity struct {
	// ID is the sink-assigned account identifier.
	ID int64

	// Username is the account's handle.
	Username string
}

// Sink is the delivery capability: verify the configured identity and
// send one formatted message to a destination.
type Sink interface {
	// Verify pings the sink's identity endpoint. Transient transport
	// failures are retried with backoff inside the adapter.
	Verify(ctx context.Context) (*Identity, error)

	// Send delivers text to destination and returns the sink-assigned
	// delivery id. Send makes exactly one attempt: a failure is
	// terminal for the approval that triggered it.
	Send(ctx context.Context, destination, text string) (string, error)
}
