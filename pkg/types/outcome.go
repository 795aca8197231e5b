package types

// Outcome classifies how a detection or delivery attempt resolved.
// Outcomes are the only error shape allowed to cross a context boundary:
// failures are converted to a typed Outcome before being reported, never
// propagated as Go errors between contexts.
type Outcome string

const (
	OutcomeDelivered         Outcome = "delivered"                  // OutcomeDelivered indicates the artifact reached the sink.
	OutcomeDenied            Outcome = "denied"                     // OutcomeDenied indicates the user declined; no data left the device.
	OutcomeExtractionError   Outcome = "extraction_error"           // OutcomeExtractionError indicates the artifact was absent or invalid; retried on the next poll.
	OutcomeConsentAbandoned  Outcome = "consent_timeout_or_abandon" // OutcomeConsentAbandoned indicates the context closed mid-flow; state resets.
	OutcomeSinkNotConfigured Outcome = "sink_not_configured"        // OutcomeSinkNotConfigured indicates missing sink settings; no network call was made.
	OutcomeSinkRejected      Outcome = "sink_rejected"              // OutcomeSinkRejected indicates the sink answered and reported failure; terminal for this approval.
	OutcomeSinkUnreachable   Outcome = "sink_unreachable"           // OutcomeSinkUnreachable indicates a transport failure; terminal for this approval.
	OutcomeInternalError     Outcome = "internal_error"             // OutcomeInternalError indicates an unexpected failure caught at a context boundary.
)

// Recoverable reports whether the outcome allows the pipeline to retry
// on its own (next poll / fresh detection). Terminal outcomes require a
// new user-initiated consent event.
func (o Outcome) Recoverable() bool {
	return o == OutcomeExtractionError || o == OutcomeConsentAbandoned
}

// SinkFailure reports whether the outcome is a delivery-side failure.
func (o Outcome) SinkFailure() bool {
	return o == OutcomeSinkNotConfigured || o == OutcomeSinkRejected || o == OutcomeSinkUnreachable
}
