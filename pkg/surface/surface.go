// Package surface implements the ephemeral consent window: a terminal
// UI that previews one detected artifact, collects an explicit approve
// or deny, and shows the delivery result. The surface holds no durable
// state; every decision and every delivery goes through the
// coordinator's request channel, and the artifact that is delivered is
// always a fresh approval-time extraction, never the preview.
package surface

import (
	"context"
	"fmt"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// Dispatcher delivers requests to the coordinator.
type Dispatcher interface {
	Submit(ctx context.Context, req *types.Request) error
}

// Extractor performs a fresh extraction against the monitored page.
// Wired to the detector's Extract so approval-time delivery never uses
// the stale preview.
type Extractor func(ctx context.Context) (*artifact.Record, error)

// PendingSource loads the persisted artifact awaiting a decision, with
// the context that owns it. Wired to the coordinator's PendingArtifact
// so the surface can pull its preview from the store on load instead of
// receiving it by parameter.
type PendingSource func(ctx context.Context) (types.ContextID, *artifact.Record, error)

// Result is how one consent prompt resolved.
type Result struct {
	// Outcome classifies the resolution.
	Outcome types.Outcome

	// DeliveryID is the sink-assigned id when Outcome is delivered.
	DeliveryID string

	// Reason elaborates failure outcomes.
	Reason string
}

// Surface runs consent prompts. One Surface serves one monitored
// context for the lifetime of the process.
type Surface struct {
	dispatcher Dispatcher
	extractor  Extractor
	pending    PendingSource
	copyFunc   func(string) error
	logger     *logging.Logger
}

// Option configures a Surface.
type Option func(*Surface)

// WithCopyFunc replaces the clipboard write, for tests.
func WithCopyFunc(fn func(string) error) Option {
	return func(s *Surface) { s.copyFunc = fn }
}

// WithPendingSource lets Prompt load its preview from the persistent
// store when the caller passes none.
func WithPendingSource(fn PendingSource) Option {
	return func(s *Surface) { s.pending = fn }
}

// New creates a consent surface over the given dispatcher and extractor.
func New(dispatcher Dispatcher, extractor Extractor, opts ...Option) *Surface {
	logger, _ := logging.NewLogger("surface")
	s := &Surface{
		dispatcher: dispatcher,
		extractor:  extractor,
		copyFunc:   clipboard.WriteAll,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prompt opens the consent window and blocks until the user resolves or
// abandons it. A nil preview makes the surface pull the pending artifact
// from the store. Closing the window without a decision resolves as
// abandoned: no decision is recorded, nothing is delivered.
func (s *Surface) Prompt(ctx context.Context, contextID types.ContextID, preview *artifact.Record) (*Result, error) {
	preview, err := s.resolvePreview(ctx, contextID, preview)
	if err != nil {
		return nil, err
	}

	m := newModel(s, contextID, preview)
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		return nil, fmt.Errorf("surface: run prompt: %w", err)
	}
	done, ok := final.(*model)
	if !ok {
		return nil, fmt.Errorf("surface: unexpected final model %T", final)
	}
	s.logger.Infof("prompt resolved: context=%s outcome=%s", contextID, done.result.Outcome)
	return done.result, nil
}

// resolvePreview returns the preview to render: the caller's record
// when given, otherwise the persisted pending artifact for this context.
func (s *Surface) resolvePreview(ctx context.Context, contextID types.ContextID, preview *artifact.Record) (*artifact.Record, error) {
	if preview != nil {
		return preview, nil
	}
	if s.pending == nil {
		return nil, fmt.Errorf("surface: prompt without preview artifact")
	}
	owner, rec, err := s.pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("surface: load pending artifact: %w", err)
	}
	if rec == nil || owner != contextID {
		return nil, fmt.Errorf("surface: no pending artifact for context %s", contextID)
	}
	return rec, nil
}

// recordDecision sends the user's decision to the coordinator and waits
// for the persist acknowledgement.
func (s *Surface) recordDecision(ctx context.Context, decision *types.Decision) error {
	resp, err := s.call(ctx, types.NewConsentDecisionRequest(decision))
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("surface: decision not recorded: %s", resp.Reason)
	}
	return nil
}

// deliverFresh extracts a fresh artifact and hands it to delivery. The
// preview shown to the user is never what gets sent.
func (s *Surface) deliverFresh(ctx context.Context, contextID types.ContextID) (*types.Response, error) {
	rec, err := s.extractor(ctx)
	if err != nil {
		// The session evaporated between preview and approval.
		return &types.Response{
			OK:      false,
			Outcome: types.OutcomeExtractionError,
			Reason:  err.Error(),
		}, nil
	}
	return s.call(ctx, types.NewProcessApprovedRequest(contextID, rec, types.ConsentManual))
}

// retry re-runs the full approval flow after a failed delivery: the
// earlier failure stays terminal for its consent event, so the retry
// records a new decision before extracting and delivering again.
func (s *Surface) retry(ctx context.Context, contextID types.ContextID, remember bool) (*types.Response, error) {
	rec, err := s.extractor(ctx)
	if err != nil {
		return &types.Response{
			OK:      false,
			Outcome: types.OutcomeExtractionError,
			Reason:  err.Error(),
		}, nil
	}
	decision := &types.Decision{
		ContextID:    contextID,
		CredentialID: rec.CredentialID,
		Granted:      true,
		Remember:     remember,
	}
	if err := s.recordDecision(ctx, decision); err != nil {
		return nil, err
	}
	return s.call(ctx, types.NewProcessApprovedRequest(contextID, rec, types.ConsentManual))
}

// call submits a request and waits for its single response.
func (s *Surface) call(ctx context.Context, req *types.Request) (*types.Response, error) {
	if err := s.dispatcher.Submit(ctx, req); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-req.Reply:
		if !ok || resp == nil {
			return nil, fmt.Errorf("surface: no response for %s", req.Type)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
