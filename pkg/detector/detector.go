// Package detector implements the page-embedded context: it polls the
// monitored page for a session credential, validates what it finds, and
// asks the coordinator to route consent. The detector holds no durable
// state and makes no delivery decisions of its own.
package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/clock"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/consent"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/page"
	"github.com/entrhq/relay/pkg/types"
)

// Dispatcher delivers requests to the coordinator.
type Dispatcher interface {
	Submit(ctx context.Context, req *types.Request) error
}

// Notifier shows an ephemeral, non-blocking notification to the user.
type Notifier func(title, message string)

// SurfaceFallback opens the consent surface directly when the
// coordinator reports it could not open it itself (the two-step open).
type SurfaceFallback func(contextID types.ContextID, rec *artifact.Record) error

// Detector polls one monitored page context. Create with New, then run
// Start on its own goroutine.
type Detector struct {
	contextID  types.ContextID
	page       page.Page
	cfg        *config.Manager
	book       *consent.Book
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *logging.Logger

	notifier Notifier
	fallback SurfaceFallback

	watchlist *page.Watchlist
	recheck   chan struct{}
	events    <-chan *types.Event

	attempts       int
	lastCredential string
	lastFailure    string
}

// Option configures a Detector.
type Option func(*Detector)

// WithNotifier injects the ephemeral notification hook.
func WithNotifier(fn Notifier) Option {
	return func(d *Detector) { d.notifier = fn }
}

// WithSurfaceFallback injects the direct surface opener used when the
// coordinator signals SurfaceOpened=false.
func WithSurfaceFallback(fn SurfaceFallback) Option {
	return func(d *Detector) { d.fallback = fn }
}

// New creates a detector for one page context. events is the channel
// obtained from the coordinator's RegisterContext.
func New(contextID types.ContextID, p page.Page, cfg *config.Manager, book *consent.Book, dispatcher Dispatcher, clk clock.Clock, events <-chan *types.Event, opts ...Option) (*Detector, error) {
	watchlist, err := page.NewWatchlist(cfg.Current().WatchPatterns)
	if err != nil {
		return nil, err
	}
	logger, _ := logging.NewLogger("detector")
	d := &Detector{
		contextID:  contextID,
		page:       p,
		cfg:        cfg,
		book:       book,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		watchlist:  watchlist,
		recheck:    make(chan struct{}, 1),
		events:     events,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Rearm grants a single extra check outside the poll budget. Called on
// navigation and window refocus.
func (d *Detector) Rearm() {
	select {
	case d.recheck <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until ctx is done. The poll budget caps
// ticker-driven checks; rechecks from Rearm always run.
func (d *Detector) Start(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.Current().PollInterval.Std())
	defer ticker.Stop()

	d.logger.Infof("poll loop started: context=%s patterns=%v", d.contextID, d.watchlist.Patterns())
	for {
		select {
		case <-ctx.Done():
			d.announceClosed()
			return
		case <-ticker.C():
			if d.attempts >= d.cfg.Current().MaxPollAttempts {
				continue
			}
			d.attempts++
			d.check(ctx)
		case <-d.recheck:
			d.check(ctx)
		case event, ok := <-d.events:
			if !ok {
				d.events = nil
				continue
			}
			d.handleEvent(event)
		}
	}
}

// handleEvent reacts to coordinator notifications.
func (d *Detector) handleEvent(event *types.Event) {
	switch event.Type {
	case types.EventSettingsChanged:
		if watchlist, err := page.NewWatchlist(d.cfg.Current().WatchPatterns); err == nil {
			d.watchlist = watchlist
		} else {
			d.logger.Warnf("invalid watch patterns after settings change: %v", err)
		}
		// New settings may target a different cookie or site class;
		// restart the poll budget.
		d.attempts = 0
	case types.EventArtifactCleared:
		d.lastCredential = ""
		d.attempts = 0
	case types.EventConsentProcessed:
		d.notifyOutcome(event.Outcome, event.Reason)
		if event.Outcome.Recoverable() {
			d.lastCredential = ""
		}
	}
}

// check performs one detection pass. Panics are confined here and
// reported as internal errors; the poll loop never dies to one bad page
// state.
func (d *Detector) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("detection panic: %v", r)
			d.report(ctx, fmt.Sprintf("detection panic: %v", r), types.OutcomeInternalError)
		}
	}()

	if !d.watchlist.Matches(d.page.URL()) {
		return
	}

	rec, err := d.Extract(ctx)
	if err != nil {
		d.handleExtractFailure(ctx, err)
		return
	}
	d.lastFailure = ""

	// Same credential as last pass: the session is already announced and
	// must not retrigger consent.
	if rec.CredentialID == d.lastCredential {
		return
	}

	resp, err := d.call(ctx, types.NewSessionDetectedRequest(d.contextID, rec))
	if err != nil || !resp.OK {
		d.logger.Warnf("session announcement failed: err=%v", err)
		return
	}
	d.lastCredential = rec.CredentialID
	d.logger.Infof("announced session %s", artifact.Redact(rec.CredentialID))

	d.routeConsent(ctx, rec)
}

// handleExtractFailure distinguishes "no session" from real failures.
// Validation misses are normal page states, retried next poll; access
// errors are reported once per distinct message.
func (d *Detector) handleExtractFailure(ctx context.Context, err error) {
	if errors.Is(err, artifact.ErrNoCredential) ||
		errors.Is(err, artifact.ErrCredentialTooShort) ||
		errors.Is(err, artifact.ErrCredentialCharset) {
		d.logger.Debugf("no valid session: %v", err)
		return
	}
	if err.Error() == d.lastFailure {
		return
	}
	d.lastFailure = err.Error()
	d.report(ctx, err.Error(), types.OutcomeExtractionError)
}

// routeConsent evaluates the disposition for a fresh detection and acts
// on it: open the surface, deliver silently under a remembered grant, or
// stay quiet.
func (d *Detector) routeConsent(ctx context.Context, rec *artifact.Record) {
	settings := d.cfg.Current()

	disposition, err := d.book.Evaluate(ctx, d.contextID, rec.CredentialID,
		settings.CooldownWindow.Std(), settings.RememberWindow.Std())
	if err != nil {
		d.logger.Warnf("consent evaluation failed, prompting: %v", err)
		disposition = consent.DispositionPrompt
	}

	switch disposition {
	case consent.DispositionAutoApprove:
		// The remembered grant was confirmed once already; re-delivery
		// inside the remember window stays silent.
		d.deliverRemembered(ctx, rec)
	case consent.DispositionPrompt:
		if !settings.RequireConfirmation {
			d.logger.Debugf("prompt suppressed by configuration")
			return
		}
		d.openSurface(ctx, rec)
	case consent.DispositionPending, consent.DispositionCooldown, consent.DispositionRememberedDenial:
		d.logger.Debugf("detection suppressed: %s", disposition)
	}
}

// openSurface runs the two-step open: ask the coordinator first, fall
// back to opening the surface directly when it could not.
func (d *Detector) openSurface(ctx context.Context, rec *artifact.Record) {
	resp, err := d.call(ctx, types.NewOpenConsentSurfaceRequest(d.contextID, rec))
	if err != nil {
		d.logger.Warnf("consent surface request failed: %v", err)
		return
	}
	if !resp.OK {
		d.logger.Warnf("consent surface refused: %s", resp.Reason)
		return
	}
	if resp.Suppressed {
		// A prompt is already pending for this context; opening a
		// fallback surface would put two prompts on screen.
		d.logger.Debugf("consent surface suppressed: prompt already open")
		return
	}
	if resp.SurfaceOpened || d.fallback == nil {
		return
	}
	if err := d.fallback(d.contextID, rec); err != nil {
		d.logger.Errorf("fallback surface open failed: %v", err)
		d.report(ctx, fmt.Sprintf("consent surface could not be opened: %v", err), types.OutcomeInternalError)
	}
}

// deliverRemembered hands a freshly extracted artifact straight to
// delivery under a still-valid remembered grant.
func (d *Detector) deliverRemembered(ctx context.Context, rec *artifact.Record) {
	resp, err := d.call(ctx, types.NewProcessApprovedRequest(d.contextID, rec, types.ConsentRemembered))
	if err != nil {
		d.logger.Warnf("remembered delivery failed to dispatch: %v", err)
		return
	}
	d.notifyOutcome(resp.Outcome, resp.Reason)
}

// notifyOutcome surfaces a resolved consent flow as an ephemeral
// notification.
func (d *Detector) notifyOutcome(outcome types.Outcome, reason string) {
	if d.notifier == nil {
		return
	}
	switch outcome {
	case types.OutcomeDelivered:
		d.notifier("Session relayed", "The session credential was delivered.")
	case types.OutcomeDenied:
		d.notifier("Delivery declined", "Nothing left this device.")
	case types.OutcomeConsentAbandoned:
		// Silent: the user walked away, do not chase them.
	default:
		if reason == "" {
			reason = string(outcome)
		}
		d.notifier("Delivery failed", reason)
	}
}

// call submits a request and waits for its single response.
func (d *Detector) call(ctx context.Context, req *types.Request) (*types.Response, error) {
	if err := d.dispatcher.Submit(ctx, req); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-req.Reply:
		if !ok || resp == nil {
			return nil, fmt.Errorf("detector: no response for %s", req.Type)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// report asks the coordinator to record an error entry. Fire-and-forget.
func (d *Detector) report(ctx context.Context, message string, outcome types.Outcome) {
	req := types.NewReportErrorRequest(d.contextID, &types.ErrorReport{
		Component: "detector",
		Message:   message,
		Outcome:   outcome,
	})
	if err := d.dispatcher.Submit(ctx, req); err != nil {
		d.logger.Warnf("error report not delivered: %v", err)
	}
}

// announceClosed tells the coordinator this context is going away.
func (d *Detector) announceClosed() {
	req := types.NewContextClosedRequest(d.contextID)
	// The loop's ctx is already done; give the announcement its own.
	if err := d.dispatcher.Submit(context.Background(), req); err != nil {
		d.logger.Warnf("close announcement not delivered: %v", err)
	}
}
