// Package page abstracts the monitored page the detector runs against:
// cookie access, script bodies, URL, and metadata. A playwright-backed
// implementation drives a real browser page; tests use the in-memory
// fake.
package page

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"
)

// Page is the read-only view of one monitored page context.
type Page interface {
	// URL returns the page's current URL.
	URL() string

	// Cookie returns the value of the named cookie, or empty when the
	// cookie is absent.
	Cookie(ctx context.Context, name string) (string, error)

	// ScriptBodies returns the text content of the page's inline
	// scripts, in document order.
	ScriptBodies(ctx context.Context) ([]string, error)

	// Content returns the page's current HTML.
	Content(ctx context.Context) (string, error)

	// UserAgent returns the client identification string.
	UserAgent() string
}

// Watchlist matches page URLs against the configured monitored site
// class. Pages outside the watchlist are never polled.
type Watchlist struct {
	patterns []glob.Glob
	sources  []string
}

// NewWatchlist compiles the given glob patterns. Invalid patterns are
// rejected up front so a bad configuration fails loudly, not silently.
func NewWatchlist(patterns []string) (*Watchlist, error) {
	w := &Watchlist{}
	for _, p := range patterns {
		compiled, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("page: invalid watch pattern %q: %w", p, err)
		}
		w.patterns = append(w.patterns, compiled)
		w.sources = append(w.sources, p)
	}
	return w, nil
}

// Matches reports whether the URL belongs to the monitored site class.
// An empty watchlist matches nothing.
func (w *Watchlist) Matches(url string) bool {
	for _, p := range w.patterns {
		if p.Match(url) {
			return true
		}
	}
	return false
}

// Patterns returns the source pattern strings.
func (w *Watchlist) Patterns() []string {
	return append([]string(nil), w.sources...)
}
