package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/sink"
	"github.com/entrhq/relay/pkg/store"
	"github.com/entrhq/relay/pkg/types"
)

// handleProcessApproved runs the delivery path for one approved consent
// event. The artifact on the request is the approval-time extraction,
// never a stale detection-time copy.
func (c *Coordinator) handleProcessApproved(ctx context.Context, req *types.Request) {
	resp := c.deliver(ctx, req)
	c.notify(req.ContextID, types.NewConsentProcessedEvent(
		req.ContextID, resp.Outcome, resp.DeliveryID, resp.Reason))
	c.reply(req, resp)
}

// deliver validates, formats, and sends one artifact. The sink call is
// single-shot: any failure is terminal for this approval and requires a
// fresh consent event to retry. All durable writes complete before the
// response or event leaves the coordinator.
func (c *Coordinator) deliver(ctx context.Context, req *types.Request) *types.Response {
	settings := c.cfg.Current()

	if err := artifact.Validate(req.Artifact, settings.MinCredentialLength); err != nil {
		c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("approved artifact invalid: %v", err), types.OutcomeExtractionError)
		return &types.Response{
			OK:      false,
			Outcome: types.OutcomeExtractionError,
			Reason:  err.Error(),
		}
	}

	// Fail fast before any network activity when the sink is not set up.
	if !settings.SinkConfigured() {
		c.appendErrorLog(ctx, "coordinator", "delivery skipped: sink not configured", types.OutcomeSinkNotConfigured)
		return &types.Response{
			OK:      false,
			Outcome: types.OutcomeSinkNotConfigured,
			Reason:  "sink credentials missing",
		}
	}

	text := sink.FormatMessage(settings.MessageTemplate, req.Artifact)
	now := c.clock.Now()

	c.logger.Infof("delivering artifact: context=%s credential=%s consent=%s",
		req.ContextID, artifact.Redact(req.Artifact.CredentialID), req.Consent)

	deliveryID, err := c.sinkFor(settings.SinkToken).Send(ctx, settings.SinkDestination, text)
	if err != nil {
		outcome := classifySinkError(err)
		c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("delivery failed: %v", err), outcome)
		c.appendHistory(ctx, req.Artifact, now, false, nil)
		return &types.Response{
			OK:      false,
			Outcome: outcome,
			Reason:  err.Error(),
		}
	}

	deliveredAt := c.clock.Now()
	c.appendHistory(ctx, req.Artifact, now, true, &deliveredAt)
	c.appendActivityLog(ctx, "coordinator", fmt.Sprintf("artifact delivered (%s)",
		artifact.Redact(req.Artifact.CredentialID)))

	c.markDelivered(req.ContextID, req.Artifact.CredentialID, deliveredAt)

	if settings.AutoClearAfterDelivery {
		c.dropSessions(req.ContextID)
		if err := c.clearPendingFor(ctx, req.ContextID); err != nil {
			c.logger.Warnf("auto-clear pending artifact: %v", err)
		}
	} else if err := c.clearPendingFor(ctx, req.ContextID); err != nil {
		c.logger.Warnf("clear pending artifact after delivery: %v", err)
	}

	return &types.Response{
		OK:         true,
		Outcome:    types.OutcomeDelivered,
		DeliveryID: deliveryID,
	}
}

// markDelivered flags the session entry and records the delivery time
// for the stats view.
func (c *Coordinator) markDelivered(contextID types.ContextID, credentialID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.sessions[sessionKey(contextID, credentialID)]; ok {
		entry.Delivered = true
	}
	c.lastSendAt = at
}

// appendHistory prepends a history row, delivered or not, redacting the
// credential before it touches the store.
func (c *Coordinator) appendHistory(ctx context.Context, rec *artifact.Record, detectedAt time.Time, delivered bool, deliveredAt *time.Time) {
	settings := c.cfg.Current()
	history, err := loadList[HistoryEntry](ctx, c.store, store.KeyHistory)
	if err != nil {
		c.logger.Errorf("load history: %v", err)
		return
	}
	entry := HistoryEntry{
		ID:                newEntryID(c.clock.Now()),
		CredentialPreview: artifact.Redact(rec.CredentialID),
		SubjectHandle:     rec.SubjectHandle,
		SourceURL:         rec.SourceURL,
		DetectedAt:        detectedAt,
		Delivered:         delivered,
		DeliveredAt:       deliveredAt,
	}
	history = prependCapped(history, entry, settings.HistoryLimit)
	if err := store.PutJSON(ctx, c.store, store.KeyHistory, history); err != nil {
		c.logger.Errorf("persist history: %v", err)
	}
}

// History returns the persisted delivery history, newest first.
func (c *Coordinator) History(ctx context.Context) ([]HistoryEntry, error) {
	return loadList[HistoryEntry](ctx, c.store, store.KeyHistory)
}

// sinkFor returns the sink for a token, building and caching one per
// token so settings changes pick up a fresh adapter.
func (c *Coordinator) sinkFor(token string) sink.Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sinks[token]; ok {
		return s
	}
	s := c.sinkFactory(token)
	c.sinks[token] = s
	return s
}

// VerifySink checks the configured sink credentials against the sink's
// identity endpoint, caching the identity for the stats view. Used by
// the settings surface's "test connection" action.
func (c *Coordinator) VerifySink(ctx context.Context) (*sink.Identity, error) {
	settings := c.cfg.Current()
	if !settings.SinkConfigured() {
		return nil, sink.ErrNotConfigured
	}

	identity, err := c.sinkFor(settings.SinkToken).Verify(ctx)
	if err != nil {
		c.mu.Lock()
		c.identity = nil
		c.mu.Unlock()
		c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("sink verification failed: %v", err), classifySinkError(err))
		return nil, err
	}

	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	c.appendActivityLog(ctx, "coordinator", fmt.Sprintf("sink verified as @%s", identity.Username))
	return identity, nil
}

// classifySinkError maps adapter errors to outcome codes.
func classifySinkError(err error) types.Outcome {
	switch {
	case errors.Is(err, sink.ErrNotConfigured):
		return types.OutcomeSinkNotConfigured
	case errors.Is(err, sink.ErrRejected):
		return types.OutcomeSinkRejected
	case errors.Is(err, sink.ErrUnreachable):
		return types.OutcomeSinkUnreachable
	default:
		return types.OutcomeSinkUnreachable
	}
}
