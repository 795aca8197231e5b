package coordinator

import (
	"time"

	"github.com/entrhq/relay/pkg/sink"
)

// Stats is the read-only snapshot backing the status popup. It exposes
// only counts and redacted previews, never the full credential.
type Stats struct {
	// ActiveSessions is the number of live session entries.
	ActiveSessions int

	// DeliveredSessions is how many live sessions already delivered.
	DeliveredSessions int

	// LastDeliveryAt is the time of the most recent successful send;
	// zero when nothing was delivered this run.
	LastDeliveryAt time.Time

	// SinkIdentity is the verified sink account, nil when unverified.
	SinkIdentity *sink.Identity

	// SinkConfigured reports whether sink credentials are present.
	SinkConfigured bool
}

// Stats returns the current statistics snapshot. Safe to call from any
// goroutine.
func (c *Coordinator) Stats() Stats {
	settings := c.cfg.Current()

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		ActiveSessions: len(c.sessions),
		LastDeliveryAt: c.lastSendAt,
		SinkConfigured: settings.SinkConfigured(),
	}
	for _, entry := range c.sessions {
		if entry.Delivered {
			stats.DeliveredSessions++
		}
	}
	if c.identity != nil {
		identity := *c.identity
		stats.SinkIdentity = &identity
	}
	return stats
}
