// Package types defines the message protocol binding the three
// execution contexts: the page-embedded detector, the background
// coordinator, and the consent surface. Each context runs its own event
// loop and communicates only through these typed messages, so every
// request variant has exactly one handler and exhaustiveness is
// checkable at the dispatch switch.
package types

import (
	"time"

	"github.com/entrhq/relay/pkg/artifact"
)

// ContextID identifies one monitored page context (one tab).
type ContextID string

// RequestType discriminates the request variants a context may send to
// the coordinator.
type RequestType string

const (
	RequestSessionDetected    RequestType = "session_detected"       // RequestSessionDetected announces a validated artifact; replied with an ack.
	RequestOpenConsentSurface RequestType = "open_consent_surface"   // RequestOpenConsentSurface asks the coordinator to open the consent surface.
	RequestProcessApproved    RequestType = "process_approved"       // RequestProcessApproved hands an approval-time artifact to delivery.
	RequestGetCurrentArtifact RequestType = "get_current_artifact"   // RequestGetCurrentArtifact queries the active artifact (popup/status view).
	RequestClearArtifactData  RequestType = "clear_artifact_data"    // RequestClearArtifactData wipes session, pending, and consent state for a context.
	RequestConsentDecision    RequestType = "consent_decision"       // RequestConsentDecision carries the user's decision from the consent surface.
	RequestReportError        RequestType = "report_error"           // RequestReportError asks the coordinator to record an error log entry.
	RequestContextClosed      RequestType = "context_closed"         // RequestContextClosed announces teardown of a monitored context.
)

// ConsentType records how an approval came to be.
type ConsentType string

const (
	// ConsentManual is an explicit user approval from the consent surface.
	ConsentManual ConsentType = "manual"

	// ConsentRemembered is a silent re-delivery under a remembered grant
	// that is still inside the remember window.
	ConsentRemembered ConsentType = "remembered"
)

// Decision is the user's answer collected by the consent surface,
// scoped to one (context, credential) pair.
type Decision struct {
	// ContextID is the monitored context the decision belongs to.
	ContextID ContextID

	// CredentialID is the credential the decision is scoped to. A new
	// credential always requires a fresh decision.
	CredentialID string

	// Granted is true when the user approved delivery.
	Granted bool

	// Remember extends the decision across the remember window.
	Remember bool

	// DecidedAt is when the user resolved the prompt.
	DecidedAt time.Time
}

// ErrorReport is the payload of a RequestReportError message. Any
// context may request the write; only the coordinator performs it.
type ErrorReport struct {
	// Component names the reporting component ("detector", "surface", ...).
	Component string

	// Message is the sanitized failure description.
	Message string

	// Outcome classifies the failure when known.
	Outcome Outcome
}

// Request is a message sent to the coordinator. The payload fields are
// populated according to Type; Reply, when non-nil, receives exactly one
// Response and is then closed by the coordinator.
type Request struct {
	// Type discriminates the variant.
	Type RequestType

	// ContextID identifies the originating monitored context.
	ContextID ContextID

	// Artifact carries the extraction for detection, surface-open, and
	// delivery requests.
	Artifact *artifact.Record

	// Consent records how a ProcessApproved request was authorized.
	Consent ConsentType

	// Decision is the user's answer for ConsentDecision requests.
	Decision *Decision

	// Report is the payload for ReportError requests.
	Report *ErrorReport

	// Reply receives the coordinator's single response, when the caller
	// wants one.
	Reply chan *Response
}

// Response is the coordinator's answer to a Request.
type Response struct {
	// OK is true for plain acknowledgements and successful queries.
	OK bool

	// Outcome classifies a failure when OK is false, or reports
	// OutcomeDelivered/OutcomeDenied for resolved consent flows.
	Outcome Outcome

	// Reason is a human-readable elaboration of a failure outcome.
	Reason string

	// DeliveryID is the sink-assigned id of a successful delivery.
	DeliveryID string

	// Artifact is the active artifact snapshot for GetCurrentArtifact
	// queries; nil when no session is active.
	Artifact *artifact.Record

	// SurfaceOpened is true when the coordinator opened the consent
	// surface itself; false signals the caller should open the fallback
	// surface directly, unless Suppressed is set.
	SurfaceOpened bool

	// Suppressed is true when a surface-open request was swallowed
	// because a prompt is already pending for the context. The caller
	// must not open a fallback surface.
	Suppressed bool
}

// NewSessionDetectedRequest builds a session_detected announcement.
func NewSessionDetectedRequest(ctx ContextID, rec *artifact.Record) *Request {
	return &Request{
		Type:      RequestSessionDetected,
		ContextID: ctx,
		Artifact:  rec,
		Reply:     make(chan *Response, 1),
	}
}

// NewOpenConsentSurfaceRequest asks the coordinator to open the consent
// surface for the given preview extraction.
func NewOpenConsentSurfaceRequest(ctx ContextID, rec *artifact.Record) *Request {
	return &Request{
		Type:      RequestOpenConsentSurface,
		ContextID: ctx,
		Artifact:  rec,
		Reply:     make(chan *Response, 1),
	}
}

// NewProcessApprovedRequest hands an approval-time artifact to the
// delivery path.
func NewProcessApprovedRequest(ctx ContextID, rec *artifact.Record, consent ConsentType) *Request {
	return &Request{
		Type:      RequestProcessApproved,
		ContextID: ctx,
		Artifact:  rec,
		Consent:   consent,
		Reply:     make(chan *Response, 1),
	}
}

// NewGetCurrentArtifactRequest queries the active artifact for a context.
func NewGetCurrentArtifactRequest(ctx ContextID) *Request {
	return &Request{
		Type:      RequestGetCurrentArtifact,
		ContextID: ctx,
		Reply:     make(chan *Response, 1),
	}
}

// NewClearArtifactDataRequest wipes all artifact state for a context.
// Clearing twice in a row is a no-op the second time, never an error.
func NewClearArtifactDataRequest(ctx ContextID) *Request {
	return &Request{
		Type:      RequestClearArtifactData,
		ContextID: ctx,
		Reply:     make(chan *Response, 1),
	}
}

// NewConsentDecisionRequest relays the user's decision from the surface.
func NewConsentDecisionRequest(decision *Decision) *Request {
	return &Request{
		Type:      RequestConsentDecision,
		ContextID: decision.ContextID,
		Decision:  decision,
		Reply:     make(chan *Response, 1),
	}
}

// NewReportErrorRequest asks the coordinator to record an error entry.
// No reply is expected; error reporting is fire-and-forget.
func NewReportErrorRequest(ctx ContextID, report *ErrorReport) *Request {
	return &Request{
		Type:      RequestReportError,
		ContextID: ctx,
		Report:    report,
	}
}

// NewContextClosedRequest announces teardown of a monitored context.
// Pending decisions are abandoned, not denied.
func NewContextClosedRequest(ctx ContextID) *Request {
	return &Request{
		Type:      RequestContextClosed,
		ContextID: ctx,
	}
}

// IsQuery reports whether the request only reads coordinator state.
func (r *Request) IsQuery() bool {
	return r.Type == RequestGetCurrentArtifact
}

// WantsReply reports whether the caller attached a reply channel.
func (r *Request) WantsReply() bool {
	return r.Reply != nil
}
