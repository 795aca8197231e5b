// Package store provides the durable key-value persistence shared by
// all three contexts. It is the single source of truth across process
// restarts: configuration, consent memory, the pending artifact, and
// the history/activity/error logs all live under well-known record keys.
//
// Every record is treated as read-modify-write via full replace: read
// the current value, compute the new value, write the new value. The
// design accepts last-writer-wins because practical contention is one
// browsing session's worth of near-serial events.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Logical record keys.
const (
	KeySettings        = "settings"         // KeySettings holds the single configuration record.
	KeyConsentMemory   = "consent_memory"   // KeyConsentMemory holds remembered consent decisions.
	KeyPendingArtifact = "pending_artifact" // KeyPendingArtifact holds the artifact awaiting a decision.
	KeyHistory         = "history"          // KeyHistory holds the bounded newest-first delivery history.
	KeyActivityLog     = "activity_log"     // KeyActivityLog holds bounded, time-bounded activity entries.
	KeyErrorLog        = "error_log"        // KeyErrorLog holds bounded, time-bounded error entries.
)

// ErrNotFound is returned when a record key has no value.
var ErrNotFound = errors.New("store: record not found")

// Store is the asynchronous persistent key-value store. Implementations
// must be safe for concurrent use; every access is a suspension point
// for the calling context's event loop, never a blocking one for other
// contexts.
type Store interface {
	// Get returns the raw record for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put replaces the record for key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the record for key. Deleting an absent key is a
	// no-op, not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backing resources.
	Close() error
}

// GetJSON reads the record for key and unmarshals it into out.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode record %q: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and replaces the record for key.
func PutJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode record %q: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}
