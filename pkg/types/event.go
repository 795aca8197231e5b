package types

// EventType discriminates the notifications the coordinator pushes back
// to a monitored context. Events are one-way: no reply is expected.
type EventType string

const (
	EventConsentProcessed EventType = "consent_processed" // EventConsentProcessed reports the resolution of a consent flow to the originating context.
	EventSettingsChanged  EventType = "settings_changed"  // EventSettingsChanged signals the configuration record was replaced.
	EventArtifactCleared  EventType = "artifact_cleared"  // EventArtifactCleared signals session data for the context was wiped.
)

// Event is a one-way notification from the coordinator to a context.
type Event struct {
	// Type discriminates the variant.
	Type EventType

	// ContextID is the addressed monitored context.
	ContextID ContextID

	// Outcome resolves a consent flow for EventConsentProcessed.
	Outcome Outcome

	// DeliveryID is the sink-assigned id when Outcome is OutcomeDelivered.
	DeliveryID string

	// Reason elaborates failure outcomes.
	Reason string
}

// NewConsentProcessedEvent reports a resolved consent flow.
func NewConsentProcessedEvent(ctx ContextID, outcome Outcome, deliveryID, reason string) *Event {
	return &Event{
		Type:       EventConsentProcessed,
		ContextID:  ctx,
		Outcome:    outcome,
		DeliveryID: deliveryID,
		Reason:     reason,
	}
}

// NewSettingsChangedEvent signals a configuration change to live contexts.
func NewSettingsChangedEvent() *Event {
	return &Event{Type: EventSettingsChanged}
}

// NewArtifactClearedEvent signals that session data was wiped.
func NewArtifactClearedEvent(ctx ContextID) *Event {
	return &Event{Type: EventArtifactCleared, ContextID: ctx}
}

// IsConsentProcessed reports whether the event resolves a consent flow.
func (e *Event) IsConsentProcessed() bool {
	return e.Type == EventConsentProcessed
}
