package sink

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/entrhq/relay/pkg/artifact"
)

func TestFormatMessageSubstitutesEverything(t *testing.T) {
	template := "cred={credential} id={subject_id} handle={subject_handle} url={source_url} at={extracted_at} ua={client_meta}"
	rec := &artifact.Record{
		CredentialID:  "tok-0123456789",
		SubjectID:     "42",
		SubjectHandle: "someone",
		SourceURL:     "https://app.example.com/home",
		ExtractedAt:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		ClientMeta:    "Mozilla/5.0",
	}

	got := FormatMessage(template, rec)
	assert.NotContains(t, got, "{", "no unresolved placeholder may remain")
	assert.Contains(t, got, "cred=tok-0123456789")
	assert.Contains(t, got, "id=42")
	assert.Contains(t, got, "handle=someone")
	assert.Contains(t, got, "at=2024-06-01T12:00:00Z")
}

func TestFormatMessageMissingFieldsRenderNotFound(t *testing.T) {
	template := "{credential}|{subject_id}|{subject_handle}|{source_url}|{extracted_at}|{client_meta}"
	rec := &artifact.Record{CredentialID: "tok-0123456789"}

	got := FormatMessage(template, rec)
	parts := strings.Split(got, "|")
	assert.Equal(t, "tok-0123456789", parts[0])
	for _, part := range parts[1:] {
		assert.Equal(t, artifact.NotFound, part)
	}
}

func TestFormatMessageNilRecord(t *testing.T) {
	got := FormatMessage("{credential} {extracted_at}", nil)
	assert.Equal(t, artifact.NotFound+" "+artifact.NotFound, got)
}

func TestFormatMessageLiteralTextPreserved(t *testing.T) {
	got := FormatMessage("no placeholders here", &artifact.Record{})
	assert.Equal(t, "no placeholders here", got)
}
