package sink

import (
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/artifact"
)

// Placeholder names recognized in message templates. Every placeholder
// is always substituted; fields the extraction chain could not fill
// render the literal "Not found" token, never an empty string, so no
// unresolved placeholder can reach the sink.
const (
	PlaceholderCredential    = "{credential}"
	PlaceholderSubjectID     = "{subject_id}"
	PlaceholderSubjectHandle = "{subject_handle}"
	PlaceholderSourceURL     = "{source_url}"
	PlaceholderExtractedAt   = "{extracted_at}"
	PlaceholderClientMeta    = "{client_meta}"
)

// FormatMessage renders the message template against one artifact.
func FormatMessage(template string, rec *artifact.Record) string {
	extractedAt := artifact.NotFound
	if rec != nil && !rec.ExtractedAt.IsZero() {
		extractedAt = rec.ExtractedAt.UTC().Format(time.RFC3339)
	}

	var credential, subjectID, subjectHandle, sourceURL, clientMeta string
	if rec != nil {
		credential = rec.CredentialID
		subjectID = rec.SubjectID
		subjectHandle = rec.SubjectHandle
		sourceURL = rec.SourceURL
		clientMeta = rec.ClientMeta
	}

	replacer := strings.NewReplacer(
		PlaceholderCredential, artifact.FieldOrNotFound(credential),
		PlaceholderSubjectID, artifact.FieldOrNotFound(subjectID),
		PlaceholderSubjectHandle, artifact.FieldOrNotFound(subjectHandle),
		PlaceholderSourceURL, artifact.FieldOrNotFound(sourceURL),
		PlaceholderExtractedAt, extractedAt,
		PlaceholderClientMeta, artifact.FieldOrNotFound(clientMeta),
	)
	return replacer.Replace(template)
}
