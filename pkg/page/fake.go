package page

import (
	"context"
	"sync"
)

// FakePage is an in-memory Page used by tests and the demo program.
// All fields may be mutated between polls to simulate page changes.
type FakePage struct {
	mu        sync.RWMutex
	url       string
	cookies   map[string]string
	scripts   []string
	html      string
	userAgent string

	// CookieErr, when set, is returned by Cookie to simulate storage
	// access failures.
	CookieErr error
}

// NewFakePage creates a fake page at the given URL.
func NewFakePage(url string) *FakePage {
	return &FakePage{
		url:       url,
		cookies:   make(map[string]string),
		userAgent: "relay-fake/1.0",
	}
}

func (f *FakePage) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

func (f *FakePage) UserAgent() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.userAgent
}

func (f *FakePage) Cookie(_ context.Context, name string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.CookieErr != nil {
		return "", f.CookieErr
	}
	return f.cookies[name], nil
}

func (f *FakePage) ScriptBodies(_ context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.scripts...), nil
}

func (f *FakePage) Content(_ context.Context) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.html, nil
}

// SetURL simulates a navigation.
func (f *FakePage) SetURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

// SetCookie sets a cookie value.
func (f *FakePage) SetCookie(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies[name] = value
}

// SetScripts replaces the inline script bodies.
func (f *FakePage) SetScripts(scripts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append([]string(nil), scripts...)
}

// SetHTML replaces the page HTML.
func (f *FakePage) SetHTML(html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.html = html
}

// SetUserAgent replaces the client identification string.
func (f *FakePage) SetUserAgent(ua string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userAgent = ua
}
