// Package consent implements the decision bookkeeping of the pipeline:
// cooldown suppression, remembered grants and denials, and the
// one-pending-prompt-per-context exclusion. Decisions are scoped to a
// (context, credential) pair; a new credential always requires a fresh
// decision regardless of prior remembered grants.
package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/clock"
	"github.com/entrhq/relay/pkg/store"
	"github.com/entrhq/relay/pkg/types"
)

// Disposition is the outcome of evaluating whether a detection should
// prompt the user.
type Disposition string

const (
	// DispositionPrompt means none of the suppression rules apply: open
	// the consent surface.
	DispositionPrompt Disposition = "prompt"

	// DispositionPending means a prompt is already open for this
	// context; the new detection is suppressed, not queued.
	DispositionPending Disposition = "pending"

	// DispositionCooldown means a consent request was already issued
	// inside the cooldown window; no prompt, no network call.
	DispositionCooldown Disposition = "cooldown"

	// DispositionAutoApprove means a remembered grant is still inside
	// the remember window: skip the prompt, proceed to delivery.
	DispositionAutoApprove Disposition = "auto_approve"

	// DispositionRememberedDenial means a remembered denial is still
	// inside the remember window: stay silent.
	DispositionRememberedDenial Disposition = "remembered_denial"
)

// StoredDecision is one remembered decision in the consent-memory record.
type StoredDecision struct {
	// Granted is true for an approval.
	Granted bool `json:"granted"`

	// Remember extends the decision across the remember window.
	Remember bool `json:"remember"`

	// DecidedAt is when the user resolved the prompt.
	DecidedAt time.Time `json:"decided_at"`
}

// memoryRecord is the persisted consent-memory shape.
type memoryRecord struct {
	Decisions map[string]StoredDecision `json:"decisions"`
}

// pendingPrompt tracks the single open prompt for one context.
type pendingPrompt struct {
	credentialID string
	openedAt     time.Time
	done         chan struct{}
	closeOnce    sync.Once
}

// Book owns consent state for all contexts. It is used exclusively by
// the coordinator's event loop plus the prompt-timeout goroutines it
// spawns, so all state is guarded by one mutex.
type Book struct {
	store store.Store
	clock clock.Clock

	mu       sync.Mutex
	pending  map[types.ContextID]*pendingPrompt
	cooldown map[string]time.Time
}

// NewBook creates consent bookkeeping over the given store and clock.
func NewBook(s store.Store, c clock.Clock) *Book {
	return &Book{
		store:    s,
		clock:    c,
		pending:  make(map[types.ContextID]*pendingPrompt),
		cooldown: make(map[string]time.Time),
	}
}

// scopeKey builds the (context, credential) scope key.
func scopeKey(ctx types.ContextID, credentialID string) string {
	return string(ctx) + "|" + credentialID
}

// Evaluate decides how a fresh, valid detection should proceed.
// Precedence: an open prompt suppresses everything; then a remembered
// decision inside the remember window; then the cooldown window.
func (b *Book) Evaluate(ctx context.Context, contextID types.ContextID, credentialID string, cooldownWindow, rememberWindow time.Duration) (Disposition, error) {
	b.mu.Lock()
	_, hasPending := b.pending[contextID]
	promptedAt, hasCooldown := b.cooldown[scopeKey(contextID, credentialID)]
	b.mu.Unlock()

	if hasPending {
		return DispositionPending, nil
	}

	decision, ok, err := b.remembered(ctx, contextID, credentialID, rememberWindow)
	if err != nil {
		return DispositionPrompt, err
	}
	if ok {
		if decision.Granted {
			return DispositionAutoApprove, nil
		}
		return DispositionRememberedDenial, nil
	}

	if hasCooldown && b.clock.Now().Sub(promptedAt) < cooldownWindow {
		return DispositionCooldown, nil
	}
	return DispositionPrompt, nil
}

// remembered looks up a remember=true decision still inside the window.
func (b *Book) remembered(ctx context.Context, contextID types.ContextID, credentialID string, window time.Duration) (StoredDecision, bool, error) {
	var record memoryRecord
	err := store.GetJSON(ctx, b.store, store.KeyConsentMemory, &record)
	if errors.Is(err, store.ErrNotFound) {
		return StoredDecision{}, false, nil
	}
	if err != nil {
		return StoredDecision{}, false, fmt.Errorf("consent: load memory: %w", err)
	}

	decision, ok := record.Decisions[scopeKey(contextID, credentialID)]
	if !ok || !decision.Remember {
		return StoredDecision{}, false, nil
	}
	if b.clock.Now().Sub(decision.DecidedAt) >= window {
		return StoredDecision{}, false, nil
	}
	return decision, true, nil
}

// BeginPrompt registers the open prompt for a context and starts the
// cooldown timer. Returns the prompt's done channel, closed when the
// prompt resolves, so a timeout goroutine can stand down.
func (b *Book) BeginPrompt(contextID types.ContextID, credentialID string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[contextID]; exists {
		return nil, fmt.Errorf("consent: prompt already open for context %s", contextID)
	}
	p := &pendingPrompt{
		credentialID: credentialID,
		openedAt:     b.clock.Now(),
		done:         make(chan struct{}),
	}
	b.pending[contextID] = p
	b.cooldown[scopeKey(contextID, credentialID)] = p.openedAt
	return p.done, nil
}

// PendingCredential returns the credential of the open prompt for the
// context, when one exists.
func (b *Book) PendingCredential(contextID types.ContextID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[contextID]
	if !ok {
		return "", false
	}
	return p.credentialID, true
}

// ResolvePrompt closes the open prompt for a context. Safe to call when
// no prompt is open.
func (b *Book) ResolvePrompt(contextID types.ContextID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[contextID]; ok {
		p.closeOnce.Do(func() { close(p.done) })
		delete(b.pending, contextID)
	}
}

// RecordDecision persists the user's decision into consent memory via
// full record replace. Decisions with remember=false are stored too:
// they document the latest answer but never suppress a future prompt.
func (b *Book) RecordDecision(ctx context.Context, decision *types.Decision) error {
	var record memoryRecord
	err := store.GetJSON(ctx, b.store, store.KeyConsentMemory, &record)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("consent: load memory: %w", err)
	}
	if record.Decisions == nil {
		record.Decisions = make(map[string]StoredDecision)
	}

	record.Decisions[scopeKey(decision.ContextID, decision.CredentialID)] = StoredDecision{
		Granted:   decision.Granted,
		Remember:  decision.Remember,
		DecidedAt: decision.DecidedAt,
	}
	if err := store.PutJSON(ctx, b.store, store.KeyConsentMemory, record); err != nil {
		return fmt.Errorf("consent: persist memory: %w", err)
	}
	return nil
}

// Clear wipes all consent state for a context: the open prompt, its
// cooldown timers, and remembered decisions. Idempotent.
func (b *Book) Clear(ctx context.Context, contextID types.ContextID) error {
	b.ResolvePrompt(contextID)

	b.mu.Lock()
	prefix := string(contextID) + "|"
	for key := range b.cooldown {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(b.cooldown, key)
		}
	}
	b.mu.Unlock()

	var record memoryRecord
	err := store.GetJSON(ctx, b.store, store.KeyConsentMemory, &record)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consent: load memory: %w", err)
	}
	changed := false
	for key := range record.Decisions {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(record.Decisions, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := store.PutJSON(ctx, b.store, store.KeyConsentMemory, record); err != nil {
		return fmt.Errorf("consent: persist memory: %w", err)
	}
	return nil
}
