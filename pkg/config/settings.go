// Package config holds the single configuration record shared by the
// detector, coordinator, and consent surface. Settings are mutated only
// through the settings surface (which writes the persistent store
// directly) and propagated to live components via change listeners,
// self-healed by the coordinator's periodic resync.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Duration wraps time.Duration with human-readable ("5m", "1h")
// JSON/YAML encoding, so windows stay editable in the store snapshot.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("config: invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Settings is the single logical configuration record. All dedup,
// cooldown, and remember constants are configuration-driven; the
// shipped values are only defaults.
type Settings struct {
	// SinkToken authenticates against the external messaging sink.
	SinkToken string `json:"sink_token" yaml:"sink_token"`

	// SinkDestination is the chat/channel the sink delivers to.
	SinkDestination string `json:"sink_destination" yaml:"sink_destination"`

	// MessageTemplate formats the delivered message. Placeholders:
	// {credential}, {subject_id}, {subject_handle}, {source_url},
	// {extracted_at}, {client_meta}. Missing fields render "Not found".
	MessageTemplate string `json:"message_template" yaml:"message_template"`

	// RequireConfirmation enables prompting for credentials without a
	// usable decision. When off, no consent surface is ever opened;
	// only a still-valid remembered grant can deliver. A remembered
	// grant inside its window auto-delivers regardless of this toggle.
	RequireConfirmation bool `json:"require_confirmation" yaml:"require_confirmation"`

	// AutoClearAfterDelivery purges the session entry and pending
	// record once a delivery succeeds.
	AutoClearAfterDelivery bool `json:"auto_clear_after_delivery" yaml:"auto_clear_after_delivery"`

	// LogActivities enables activity log entries. Error entries are
	// always retained regardless of this toggle.
	LogActivities bool `json:"log_activities" yaml:"log_activities"`

	// WatchPatterns are glob patterns selecting the monitored site
	// class; pages outside them are never polled.
	WatchPatterns []string `json:"watch_patterns" yaml:"watch_patterns"`

	// CredentialCookie is the cookie name holding the session credential.
	CredentialCookie string `json:"credential_cookie" yaml:"credential_cookie"`

	// MinCredentialLength is the validation floor for credentials.
	MinCredentialLength int `json:"min_credential_length" yaml:"min_credential_length"`

	// CooldownWindow suppresses re-prompting after a consent request
	// was issued for the same (context, credential).
	CooldownWindow Duration `json:"cooldown_window" yaml:"cooldown_window"`

	// RememberWindow is how long a remembered grant suppresses
	// prompting for the same (context, credential).
	RememberWindow Duration `json:"remember_window" yaml:"remember_window"`

	// PollInterval is the detector's polling cadence.
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`

	// ConsentTimeout bounds how long a prompt may stay unanswered
	// before it resolves as abandoned.
	ConsentTimeout Duration `json:"consent_timeout" yaml:"consent_timeout"`

	// SessionTTL bounds in-memory session entries between sweeps.
	SessionTTL Duration `json:"session_ttl" yaml:"session_ttl"`

	// LogRetention bounds activity/error log entry age.
	LogRetention Duration `json:"log_retention" yaml:"log_retention"`

	// MaxPollAttempts caps the detection poll loop; navigation and
	// refocus re-arm a single extra check.
	MaxPollAttempts int `json:"max_poll_attempts" yaml:"max_poll_attempts"`

	// HistoryLimit caps the delivery history length (oldest dropped).
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`

	// LogLimit caps activity/error log length regardless of age.
	LogLimit int `json:"log_limit" yaml:"log_limit"`
}

// Defaults returns the shipped settings document.
func Defaults() Settings {
	var s Settings
	// The embedded document is compiled in; a decode failure is a
	// programming error, not a runtime condition.
	if err := yaml.Unmarshal(defaultsYAML, &s); err != nil {
		panic(fmt.Sprintf("config: invalid embedded defaults: %v", err))
	}
	return s
}

// SinkConfigured reports whether both sink credentials are present.
// When false, delivery fails fast with sink_not_configured and no
// network call is attempted.
func (s Settings) SinkConfigured() bool {
	return s.SinkToken != "" && s.SinkDestination != ""
}

// Equal reports whether two settings records are identical, used to
// decide whether a resync should notify listeners.
func (s Settings) Equal(other Settings) bool {
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}
