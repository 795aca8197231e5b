// Package artifact defines the credential artifact extracted from a
// monitored page and the validation rules applied before any consent
// flow may start.
package artifact

import (
	"errors"
	"fmt"
	"time"
)

// NotFound is the literal rendered into delivered messages for any
// identity field the extraction chain could not fill. It must never be
// empty: unresolved placeholders are forbidden from reaching the sink.
const NotFound = "Not found"

// DefaultMinCredentialLength is the validation floor used when the
// configured minimum is zero or negative.
const DefaultMinCredentialLength = 20

var (
	// ErrNoCredential indicates the credential string was absent.
	ErrNoCredential = errors.New("artifact: no credential present")

	// ErrCredentialTooShort indicates the credential string was shorter
	// than the configured minimum length.
	ErrCredentialTooShort = errors.New("artifact: credential too short")

	// ErrCredentialCharset indicates the credential string contained a
	// character outside the allowed class.
	ErrCredentialCharset = errors.New("artifact: credential contains invalid characters")
)

// Record is one extraction of the credential artifact plus best-effort
// identity fields. Two Records are never interchangeable: the one shown
// in a preview and the one taken at approval time are distinct
// extractions, and delivery always uses the approval-time Record.
type Record struct {
	// CredentialID is the session credential string read from the page's
	// accessible storage (the configured cookie).
	CredentialID string

	// SubjectID is the numeric/opaque account identifier, when found.
	SubjectID string

	// SubjectHandle is the human-readable account handle, when found.
	SubjectHandle string

	// ExtractedAt is set exactly once, at extraction time.
	ExtractedAt time.Time

	// SourceURL is the page URL the artifact was extracted from.
	SourceURL string

	// ClientMeta describes the client environment (user agent string).
	ClientMeta string
}

// FieldOrNotFound returns the given field value, or the NotFound literal
// when the extraction chain left it empty.
func FieldOrNotFound(value string) string {
	if value == "" {
		return NotFound
	}
	return value
}

// Validate checks the credential invariants. A failed validation means
// "no session", not an error condition worth surfacing to the user.
func Validate(rec *Record, minLength int) error {
	if rec == nil || rec.CredentialID == "" {
		return ErrNoCredential
	}
	if minLength <= 0 {
		minLength = DefaultMinCredentialLength
	}
	if len(rec.CredentialID) < minLength {
		return fmt.Errorf("%w: %d < %d", ErrCredentialTooShort, len(rec.CredentialID), minLength)
	}
	for i := 0; i < len(rec.CredentialID); i++ {
		if !allowedCredentialByte(rec.CredentialID[i]) {
			return fmt.Errorf("%w: byte %q at offset %d", ErrCredentialCharset, rec.CredentialID[i], i)
		}
	}
	return nil
}

// allowedCredentialByte reports whether b belongs to the restricted
// credential character class: alphanumerics plus percent, underscore,
// and hyphen (cookie-safe, URL-encoded values included).
func allowedCredentialByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '%' || b == '_' || b == '-':
		return true
	}
	return false
}

// Redact returns a partial rendering of the credential suitable for
// history entries and previews: the first and last four characters with
// the middle elided. Credentials at or below eight characters are fully
// masked.
func Redact(credential string) string {
	const keep = 4
	if credential == "" {
		return ""
	}
	if len(credential) <= keep*2 {
		return "********"
	}
	return credential[:keep] + "…" + credential[len(credential)-keep:]
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
