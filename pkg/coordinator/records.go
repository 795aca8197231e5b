package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/store"
	"github.com/entrhq/relay/pkg/types"
)

// SessionEntry is the in-memory bookkeeping for one active detection,
// keyed by (context, credential). Owned exclusively by the coordinator;
// garbage-collected on context teardown or by the session sweep. Never
// persisted.
type SessionEntry struct {
	// Artifact is the most recent extraction for this session.
	Artifact *artifact.Record

	// ContextID is the monitored context the session belongs to.
	ContextID types.ContextID

	// DetectedAt is when the session was first announced.
	DetectedAt time.Time

	// Delivered is true once the artifact reached the sink.
	Delivered bool
}

// HistoryEntry is one row of the bounded, newest-first delivery history.
// The credential is stored redacted; the full value never enters the
// history record.
type HistoryEntry struct {
	ID                string     `json:"id"`
	CredentialPreview string     `json:"credential_preview"`
	SubjectHandle     string     `json:"subject_handle"`
	SourceURL         string     `json:"source_url"`
	DetectedAt        time.Time  `json:"detected_at"`
	Delivered         bool       `json:"delivered"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
}

// LogEntry is one diagnostic record in the activity or error log.
type LogEntry struct {
	ID        string        `json:"id"`
	At        time.Time     `json:"at"`
	Component string        `json:"component"`
	Message   string        `json:"message"`
	Outcome   types.Outcome `json:"outcome,omitempty"`
}

// pendingRecord is the persisted pending-artifact record the consent
// surface pulls on load.
type pendingRecord struct {
	ContextID types.ContextID  `json:"context_id"`
	Artifact  *artifact.Record `json:"artifact"`
	StoredAt  time.Time        `json:"stored_at"`
}

// newEntryID mints a sortable record id.
func newEntryID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// loadList reads a list-shaped record, treating a missing record as an
// empty list.
func loadList[T any](ctx context.Context, s store.Store, key string) ([]T, error) {
	var list []T
	err := store.GetJSON(ctx, s, key, &list)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: load %s: %w", key, err)
	}
	return list, nil
}

// prependCapped inserts entry at the head and drops the oldest entries
// beyond limit.
func prependCapped[T any](list []T, entry T, limit int) []T {
	list = append([]T{entry}, list...)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
