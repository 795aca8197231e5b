package coordinator

import (
	"context"
	"time"

	"github.com/entrhq/relay/pkg/store"
	"github.com/entrhq/relay/pkg/types"
)

// appendActivityLog writes an activity entry, respecting the
// log_activities toggle. Entries are capped by count on write and by
// age on the periodic sweep.
func (c *Coordinator) appendActivityLog(ctx context.Context, component, message string) {
	settings := c.cfg.Current()
	if !settings.LogActivities {
		return
	}
	c.appendLog(ctx, store.KeyActivityLog, LogEntry{
		ID:        newEntryID(c.clock.Now()),
		At:        c.clock.Now(),
		Component: component,
		Message:   message,
	}, settings.LogLimit)
}

// appendErrorLog writes an error entry. Error entries are always
// retained regardless of the activity toggle.
func (c *Coordinator) appendErrorLog(ctx context.Context, component, message string, outcome types.Outcome) {
	c.logger.Errorf("[%s] %s (%s)", component, message, outcome)
	c.appendLog(ctx, store.KeyErrorLog, LogEntry{
		ID:        newEntryID(c.clock.Now()),
		At:        c.clock.Now(),
		Component: component,
		Message:   message,
		Outcome:   outcome,
	}, c.cfg.Current().LogLimit)
}

func (c *Coordinator) appendLog(ctx context.Context, key string, entry LogEntry, limit int) {
	entries, err := loadList[LogEntry](ctx, c.store, key)
	if err != nil {
		c.logger.Errorf("load %s: %v", key, err)
		return
	}
	entries = prependCapped(entries, entry, limit)
	if err := store.PutJSON(ctx, c.store, key, entries); err != nil {
		c.logger.Errorf("persist %s: %v", key, err)
	}
}

// ActivityLog returns the persisted activity entries, newest first.
func (c *Coordinator) ActivityLog(ctx context.Context) ([]LogEntry, error) {
	return loadList[LogEntry](ctx, c.store, store.KeyActivityLog)
}

// ErrorLog returns the persisted error entries, newest first.
func (c *Coordinator) ErrorLog(ctx context.Context) ([]LogEntry, error) {
	return loadList[LogEntry](ctx, c.store, store.KeyErrorLog)
}

// sweepSessions drops in-memory session entries and history rows older
// than the TTL. Contexts that survive the sweep re-announce on their
// next detection.
func (c *Coordinator) sweepSessions(ctx context.Context) {
	ttl := c.cfg.Current().SessionTTL.Std()
	if ttl <= 0 {
		return
	}
	cutoff := c.clock.Now().Add(-ttl)

	c.mu.Lock()
	removed := 0
	for key, entry := range c.sessions {
		if entry.DetectedAt.Before(cutoff) {
			delete(c.sessions, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Infof("session sweep removed %d expired entries", removed)
	}

	c.sweepHistory(ctx, cutoff)
}

// sweepHistory purges history rows whose detection predates the cutoff.
func (c *Coordinator) sweepHistory(ctx context.Context, cutoff time.Time) {
	history, err := loadList[HistoryEntry](ctx, c.store, store.KeyHistory)
	if err != nil {
		c.logger.Errorf("sweep history: %v", err)
		return
	}
	kept := history[:0]
	for _, entry := range history {
		if !entry.DetectedAt.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(history) {
		return
	}
	if err := store.PutJSON(ctx, c.store, store.KeyHistory, kept); err != nil {
		c.logger.Errorf("persist swept history: %v", err)
	}
}

// logSweepKeep is the tail the age purge never trims into: a long-idle
// install keeps its most recent entries for diagnosis instead of waking
// to empty logs.
const logSweepKeep = 20

// sweepLogs drops activity and error entries past the retention window,
// always keeping the newest entries up to logSweepKeep regardless of age.
func (c *Coordinator) sweepLogs(ctx context.Context) {
	retention := c.cfg.Current().LogRetention.Std()
	if retention <= 0 {
		return
	}
	cutoff := c.clock.Now().Add(-retention)
	for _, key := range []string{store.KeyActivityLog, store.KeyErrorLog} {
		c.sweepLog(ctx, key, cutoff)
	}
}

func (c *Coordinator) sweepLog(ctx context.Context, key string, cutoff time.Time) {
	entries, err := loadList[LogEntry](ctx, c.store, key)
	if err != nil {
		c.logger.Errorf("sweep %s: %v", key, err)
		return
	}
	kept := entries[:0]
	// Entries are newest-first, so the protected tail is a prefix.
	for i, entry := range entries {
		if i < logSweepKeep || !entry.At.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(entries) {
		return
	}
	if err := store.PutJSON(ctx, c.store, key, kept); err != nil {
		c.logger.Errorf("persist swept %s: %v", key, err)
	}
}
