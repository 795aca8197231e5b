// Package coordinator implements the long-lived background context that
// owns all durable state and all routing decisions. Detections, consent
// decisions, and queries arrive as typed requests on a single channel
// and are dispatched by one event loop, so coordinator state never needs
// finer-grained locking than the loop itself provides.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/clock"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/consent"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/sink"
	"github.com/entrhq/relay/pkg/store"
	"github.com/entrhq/relay/pkg/types"
)

// Maintenance cadences. The windows they enforce (session TTL, log
// retention) come from settings; only the sweep frequency is fixed.
const (
	sessionSweepInterval = 10 * time.Minute
	logSweepInterval     = time.Hour
	resyncInterval       = 5 * time.Minute

	requestBuffer = 32
	eventBuffer   = 16
)

// SurfaceOpener opens the consent surface for a preview artifact. A nil
// opener, or an opener error, makes the coordinator answer the request
// with SurfaceOpened=false so the caller can fall back to opening the
// surface itself.
type SurfaceOpener func(contextID types.ContextID, rec *artifact.Record) error

// SinkFactory builds a sink for a token. Injected by tests; defaults to
// the HTTP adapter.
type SinkFactory func(token string) sink.Sink

// Coordinator routes consent and orchestrates delivery. Create with New,
// then Start; submit requests through Submit or the Requests channel.
type Coordinator struct {
	store  store.Store
	cfg    *config.Manager
	book   *consent.Book
	clock  clock.Clock
	logger *logging.Logger

	sinkFactory SinkFactory
	opener      SurfaceOpener

	requests    chan *types.Request
	expirations chan types.ContextID

	// Everything below is owned by the run loop, except where the mutex
	// is taken for the read-only Stats/Events accessors.
	mu         sync.Mutex
	sessions   map[string]*SessionEntry
	events     map[types.ContextID]chan *types.Event
	sinks      map[string]sink.Sink
	identity   *sink.Identity
	lastSendAt time.Time
	started    bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSurfaceOpener injects the consent-surface opener.
func WithSurfaceOpener(opener SurfaceOpener) Option {
	return func(c *Coordinator) { c.opener = opener }
}

// WithSinkFactory injects the sink constructor.
func WithSinkFactory(factory SinkFactory) Option {
	return func(c *Coordinator) { c.sinkFactory = factory }
}

// New creates a coordinator over the given store, configuration, and
// clock. The config manager should already be loaded.
func New(s store.Store, cfg *config.Manager, clk clock.Clock, opts ...Option) *Coordinator {
	logger, _ := logging.NewLogger("coordinator")
	c := &Coordinator{
		store:       s,
		cfg:         cfg,
		book:        consent.NewBook(s, clk),
		clock:       clk,
		logger:      logger,
		requests:    make(chan *types.Request, requestBuffer),
		expirations: make(chan types.ContextID, requestBuffer),
		sessions:    make(map[string]*SessionEntry),
		events:      make(map[types.ContextID]chan *types.Event),
		sinks:       make(map[string]sink.Sink),
	}
	c.sinkFactory = func(token string) sink.Sink { return sink.NewHTTPSink(token) }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Requests returns the request intake channel.
func (c *Coordinator) Requests() chan<- *types.Request {
	return c.requests
}

// Book exposes consent bookkeeping to the detector, which evaluates
// dispositions locally before deciding whether to request a prompt.
func (c *Coordinator) Book() *consent.Book {
	return c.book
}

// Submit enqueues a request, honoring context cancellation.
func (c *Coordinator) Submit(ctx context.Context, req *types.Request) error {
	select {
	case c.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterContext creates the one-way event channel for a monitored
// context. Re-registering an id replaces and closes the old channel.
func (c *Coordinator) RegisterContext(id types.ContextID) <-chan *types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.events[id]; ok {
		close(old)
	}
	ch := make(chan *types.Event, eventBuffer)
	c.events[id] = ch
	return ch
}

// Start launches the event loop. It returns once the loop is running;
// the loop exits when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already started")
	}
	c.started = true
	c.mu.Unlock()

	// Settings changes are fanned out to every live context so the
	// detector and surface can refresh without polling the store.
	c.cfg.Subscribe(func(config.Settings) {
		c.broadcast(types.NewSettingsChangedEvent())
	})

	go c.run(ctx)
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	sessionSweep := c.clock.NewTicker(sessionSweepInterval)
	defer sessionSweep.Stop()
	logSweep := c.clock.NewTicker(logSweepInterval)
	defer logSweep.Stop()
	resync := c.clock.NewTicker(resyncInterval)
	defer resync.Stop()

	c.logger.Infof("event loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Infof("event loop stopping: %v", ctx.Err())
			c.closeEventChannels()
			return
		case req := <-c.requests:
			c.dispatch(ctx, req)
		case contextID := <-c.expirations:
			c.handleConsentExpired(ctx, contextID)
		case <-sessionSweep.C():
			c.sweepSessions(ctx)
		case <-logSweep.C():
			c.sweepLogs(ctx)
		case <-resync.C():
			// File-backed stores pick up writes from other processes here.
			if reloader, ok := c.store.(interface{ Reload() error }); ok {
				if err := reloader.Reload(); err != nil {
					c.logger.Warnf("store reload failed: %v", err)
				}
			}
			if changed, err := c.cfg.Resync(ctx); err != nil {
				c.logger.Warnf("settings resync failed: %v", err)
			} else if changed {
				c.logger.Infof("settings resynced from store")
			}
		}
	}
}

// dispatch routes one request to its handler. Panics in a handler are
// converted to an internal_error response so one malformed request can
// never take down the loop.
func (c *Coordinator) dispatch(ctx context.Context, req *types.Request) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("handler panic for %s: %v", req.Type, r)
			c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("handler panic: %v", r), types.OutcomeInternalError)
			c.reply(req, &types.Response{
				OK:      false,
				Outcome: types.OutcomeInternalError,
				Reason:  "internal error",
			})
		}
	}()

	switch req.Type {
	case types.RequestSessionDetected:
		c.handleSessionDetected(ctx, req)
	case types.RequestOpenConsentSurface:
		c.handleOpenConsentSurface(ctx, req)
	case types.RequestProcessApproved:
		c.handleProcessApproved(ctx, req)
	case types.RequestGetCurrentArtifact:
		c.handleGetCurrentArtifact(req)
	case types.RequestClearArtifactData:
		c.handleClearArtifactData(ctx, req)
	case types.RequestConsentDecision:
		c.handleConsentDecision(ctx, req)
	case types.RequestReportError:
		c.handleReportError(ctx, req)
	case types.RequestContextClosed:
		c.handleContextClosed(ctx, req)
	default:
		c.logger.Warnf("unknown request type %q from %s", req.Type, req.ContextID)
		c.reply(req, &types.Response{
			OK:      false,
			Outcome: types.OutcomeInternalError,
			Reason:  fmt.Sprintf("unknown request type %q", req.Type),
		})
	}
}

// reply sends the single response and closes the reply channel. Requests
// without a reply channel are fire-and-forget.
func (c *Coordinator) reply(req *types.Request, resp *types.Response) {
	if !req.WantsReply() {
		return
	}
	req.Reply <- resp
	close(req.Reply)
}

// handleSessionDetected records or refreshes the session entry for a
// validated detection.
func (c *Coordinator) handleSessionDetected(ctx context.Context, req *types.Request) {
	settings := c.cfg.Current()
	if err := artifact.Validate(req.Artifact, settings.MinCredentialLength); err != nil {
		c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("rejected detection: %v", err), types.OutcomeExtractionError)
		c.reply(req, &types.Response{
			OK:      false,
			Outcome: types.OutcomeExtractionError,
			Reason:  err.Error(),
		})
		return
	}

	key := sessionKey(req.ContextID, req.Artifact.CredentialID)
	c.mu.Lock()
	entry, exists := c.sessions[key]
	if exists {
		entry.Artifact = req.Artifact.Clone()
	} else {
		c.sessions[key] = &SessionEntry{
			Artifact:   req.Artifact.Clone(),
			ContextID:  req.ContextID,
			DetectedAt: c.clock.Now(),
		}
	}
	c.mu.Unlock()

	if !exists {
		c.appendActivityLog(ctx, "coordinator", fmt.Sprintf("session detected on %s (%s)",
			req.Artifact.SourceURL, artifact.Redact(req.Artifact.CredentialID)))
		c.logger.Infof("session detected: context=%s credential=%s", req.ContextID, artifact.Redact(req.Artifact.CredentialID))
	}
	c.reply(req, &types.Response{OK: true})
}

// handleOpenConsentSurface registers the pending prompt, persists the
// pending artifact for the surface to pull, opens the surface, and arms
// the consent timeout.
func (c *Coordinator) handleOpenConsentSurface(ctx context.Context, req *types.Request) {
	if req.Artifact == nil {
		c.reply(req, &types.Response{
			OK:      false,
			Outcome: types.OutcomeInternalError,
			Reason:  "open_consent_surface without artifact",
		})
		return
	}

	done, err := c.book.BeginPrompt(req.ContextID, req.Artifact.CredentialID)
	if err != nil {
		// A prompt is already open for this context; the new detection is
		// suppressed, not queued. Suppressed distinguishes this reply from
		// the open-the-fallback-yourself signal.
		c.reply(req, &types.Response{OK: true, Suppressed: true})
		return
	}

	pending := pendingRecord{
		ContextID: req.ContextID,
		Artifact:  req.Artifact.Clone(),
		StoredAt:  c.clock.Now(),
	}
	if err := store.PutJSON(ctx, c.store, store.KeyPendingArtifact, pending); err != nil {
		c.book.ResolvePrompt(req.ContextID)
		c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("persist pending artifact: %v", err), types.OutcomeInternalError)
		c.reply(req, &types.Response{
			OK:      false,
			Outcome: types.OutcomeInternalError,
			Reason:  "failed to persist pending artifact",
		})
		return
	}

	c.appendActivityLog(ctx, "coordinator", fmt.Sprintf("consent requested for %s",
		artifact.Redact(req.Artifact.CredentialID)))

	c.armConsentTimeout(req.ContextID, done)

	opened := false
	if c.opener != nil {
		if err := c.opener(req.ContextID, req.Artifact.Clone()); err != nil {
			c.logger.Warnf("surface open failed, signalling fallback: %v", err)
		} else {
			opened = true
		}
	}
	c.reply(req, &types.Response{OK: true, SurfaceOpened: opened})
}

// armConsentTimeout starts the abandonment timer for an open prompt. The
// goroutine stands down when the prompt resolves first.
func (c *Coordinator) armConsentTimeout(contextID types.ContextID, done <-chan struct{}) {
	timeout := c.cfg.Current().ConsentTimeout.Std()
	if timeout <= 0 {
		return
	}
	expired := c.clock.After(timeout)
	go func() {
		select {
		case <-done:
		case <-expired:
			c.expirations <- contextID
		}
	}()
}

// handleConsentExpired resolves a timed-out prompt as abandoned: state
// resets, nothing is recorded as a denial.
func (c *Coordinator) handleConsentExpired(ctx context.Context, contextID types.ContextID) {
	if _, open := c.book.PendingCredential(contextID); !open {
		return
	}
	c.book.ResolvePrompt(contextID)
	if err := c.store.Delete(ctx, store.KeyPendingArtifact); err != nil {
		c.logger.Warnf("clear pending artifact after timeout: %v", err)
	}
	c.appendActivityLog(ctx, "coordinator", "consent prompt expired unanswered")
	c.notify(contextID, types.NewConsentProcessedEvent(
		contextID, types.OutcomeConsentAbandoned, "", "consent prompt expired"))
	c.logger.Infof("consent expired: context=%s", contextID)
}

// handleConsentDecision persists the user's decision and resolves the
// prompt. Approvals are not delivered here: the surface follows up with
// a process_approved request carrying a freshly extracted artifact.
func (c *Coordinator) handleConsentDecision(ctx context.Context, req *types.Request) {
	if req.Decision == nil {
		c.reply(req, &types.Response{
			OK:      false,
			Outcome: types.OutcomeInternalError,
			Reason:  "consent_decision without decision",
		})
		return
	}

	decision := req.Decision
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = c.clock.Now()
	}
	if err := c.book.RecordDecision(ctx, decision); err != nil {
		c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("persist decision: %v", err), types.OutcomeInternalError)
		c.reply(req, &types.Response{
			OK:      false,
			Outcome: types.OutcomeInternalError,
			Reason:  "failed to persist decision",
		})
		return
	}
	c.book.ResolvePrompt(decision.ContextID)

	if decision.Granted {
		c.appendActivityLog(ctx, "coordinator", "consent granted")
		c.reply(req, &types.Response{OK: true})
		return
	}

	// Denial: wipe the pending record, notify, nothing leaves the device.
	if err := c.store.Delete(ctx, store.KeyPendingArtifact); err != nil {
		c.logger.Warnf("clear pending artifact after denial: %v", err)
	}
	c.appendActivityLog(ctx, "coordinator", "consent denied")
	c.notify(decision.ContextID, types.NewConsentProcessedEvent(
		decision.ContextID, types.OutcomeDenied, "", ""))
	c.reply(req, &types.Response{OK: true, Outcome: types.OutcomeDenied})
}

// handleGetCurrentArtifact answers the status query with the most recent
// session snapshot for the context, nil when none is active.
func (c *Coordinator) handleGetCurrentArtifact(req *types.Request) {
	c.mu.Lock()
	var latest *SessionEntry
	for _, entry := range c.sessions {
		if entry.ContextID != req.ContextID {
			continue
		}
		if latest == nil || entry.DetectedAt.After(latest.DetectedAt) {
			latest = entry
		}
	}
	var snapshot *artifact.Record
	if latest != nil {
		snapshot = latest.Artifact.Clone()
	}
	c.mu.Unlock()

	c.reply(req, &types.Response{OK: true, Artifact: snapshot})
}

// handleClearArtifactData wipes session entries, the pending record, and
// consent state for a context. Idempotent: clearing twice is a no-op the
// second time, never an error.
func (c *Coordinator) handleClearArtifactData(ctx context.Context, req *types.Request) {
	c.dropSessions(req.ContextID)

	if err := c.clearPendingFor(ctx, req.ContextID); err != nil {
		c.logger.Warnf("clear pending artifact: %v", err)
	}
	if err := c.book.Clear(ctx, req.ContextID); err != nil {
		c.appendErrorLog(ctx, "coordinator", fmt.Sprintf("clear consent state: %v", err), types.OutcomeInternalError)
		c.reply(req, &types.Response{
			OK:      false,
			Outcome: types.OutcomeInternalError,
			Reason:  "failed to clear consent state",
		})
		return
	}

	c.appendActivityLog(ctx, "coordinator", "artifact data cleared")
	c.notify(req.ContextID, types.NewArtifactClearedEvent(req.ContextID))
	c.reply(req, &types.Response{OK: true})
}

// handleReportError records an error entry on behalf of another context.
// Fire-and-forget: only the coordinator writes logs.
func (c *Coordinator) handleReportError(ctx context.Context, req *types.Request) {
	if req.Report == nil {
		return
	}
	outcome := req.Report.Outcome
	if outcome == "" {
		outcome = types.OutcomeInternalError
	}
	c.appendErrorLog(ctx, req.Report.Component, req.Report.Message, outcome)
	c.reply(req, &types.Response{OK: true})
}

// handleContextClosed tears down state for a closing context. An open
// prompt is abandoned, not denied: no decision is recorded.
func (c *Coordinator) handleContextClosed(ctx context.Context, req *types.Request) {
	if _, open := c.book.PendingCredential(req.ContextID); open {
		c.book.ResolvePrompt(req.ContextID)
		if err := c.clearPendingFor(ctx, req.ContextID); err != nil {
			c.logger.Warnf("clear pending artifact on close: %v", err)
		}
		c.appendActivityLog(ctx, "coordinator", "consent abandoned: context closed")
	}

	c.dropSessions(req.ContextID)

	c.mu.Lock()
	if ch, ok := c.events[req.ContextID]; ok {
		close(ch)
		delete(c.events, req.ContextID)
	}
	c.mu.Unlock()

	c.logger.Infof("context closed: %s", req.ContextID)
	c.reply(req, &types.Response{OK: true})
}

// clearPendingFor removes the persisted pending record when it belongs
// to the given context.
func (c *Coordinator) clearPendingFor(ctx context.Context, contextID types.ContextID) error {
	var pending pendingRecord
	err := store.GetJSON(ctx, c.store, store.KeyPendingArtifact, &pending)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if pending.ContextID != contextID {
		return nil
	}
	return c.store.Delete(ctx, store.KeyPendingArtifact)
}

// PendingArtifact returns the persisted artifact awaiting a decision,
// or nil when none is pending. The consent surface pulls this on load.
func (c *Coordinator) PendingArtifact(ctx context.Context) (types.ContextID, *artifact.Record, error) {
	var pending pendingRecord
	err := store.GetJSON(ctx, c.store, store.KeyPendingArtifact, &pending)
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("coordinator: load pending artifact: %w", err)
	}
	return pending.ContextID, pending.Artifact, nil
}

// dropSessions removes every session entry belonging to a context.
func (c *Coordinator) dropSessions(contextID types.ContextID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.sessions {
		if entry.ContextID == contextID {
			delete(c.sessions, key)
		}
	}
}

// notify pushes an event to one context's channel without blocking; a
// full channel drops the event (contexts self-heal via queries).
func (c *Coordinator) notify(contextID types.ContextID, event *types.Event) {
	c.mu.Lock()
	ch, ok := c.events[contextID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- event:
	default:
		c.logger.Warnf("event channel full for %s, dropping %s", contextID, event.Type)
	}
}

// broadcast pushes an event to every registered context.
func (c *Coordinator) broadcast(event *types.Event) {
	c.mu.Lock()
	ids := make([]types.ContextID, 0, len(c.events))
	for id := range c.events {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		scoped := *event
		scoped.ContextID = id
		c.notify(id, &scoped)
	}
}

func (c *Coordinator) closeEventChannels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.events {
		close(ch)
		delete(c.events, id)
	}
}

func sessionKey(contextID types.ContextID, credentialID string) string {
	return string(contextID) + "|" + credentialID
}
