package page

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// Default values for browser monitoring.
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultNavTimeout     = 30000.0 // milliseconds
)

// MonitorOptions configures a new monitored browser page.
type MonitorOptions struct {
	// Headless controls whether the browser runs without a visible window.
	Headless bool

	// StartURL is navigated to when the monitor opens, when non-empty.
	StartURL string
}

// Monitor owns the playwright instance and the single monitored page.
// The system watches exactly one site class in one page context; there
// is no multi-tab coordination.
type Monitor struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	browser     playwright.Browser
	context     playwright.BrowserContext
	page        playwright.Page
	userAgent   string
	initialized bool
}

// NewMonitor creates an uninitialized monitor. Call Start before use.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Start installs and launches playwright, opens the browser page, and
// navigates to opts.StartURL when given.
func (m *Monitor) Start(opts MonitorOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Discard driver output so it cannot interleave with the surface TUI.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("page: install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("page: start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("page: launch browser: %w", err)
	}

	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return fmt.Errorf("page: create context: %w", err)
	}

	pg, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		pw.Stop()
		return fmt.Errorf("page: create page: %w", err)
	}
	pg.SetDefaultTimeout(DefaultNavTimeout)

	userAgent := ""
	if ua, err := pg.Evaluate("navigator.userAgent"); err == nil {
		if s, ok := ua.(string); ok {
			userAgent = s
		}
	}

	if opts.StartURL != "" {
		if _, err := pg.Goto(opts.StartURL); err != nil {
			pg.Close()
			browserCtx.Close()
			browser.Close()
			pw.Stop()
			return fmt.Errorf("page: navigate to %s: %w", opts.StartURL, err)
		}
	}

	m.playwright = pw
	m.browser = browser
	m.context = browserCtx
	m.page = pg
	m.userAgent = userAgent
	m.initialized = true
	return nil
}

// Page returns the monitored page view. The monitor must be started.
func (m *Monitor) Page() (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, fmt.Errorf("page: monitor not started")
	}
	return &playwrightPage{monitor: m}, nil
}

// OnNavigate registers fn to run whenever the monitored page commits a
// navigation. Used by the detector to re-arm its single re-check.
func (m *Monitor) OnNavigate(fn func(url string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page == nil {
		return
	}
	m.page.OnFrameNavigated(func(frame playwright.Frame) {
		if frame.ParentFrame() == nil {
			fn(frame.URL())
		}
	})
}

// OnFocus registers fn to run whenever the monitored window regains
// focus. Used by the detector to re-arm its single re-check. The hook is
// installed as an init script so it survives navigations; the current
// document is hooked directly.
func (m *Monitor) OnFocus(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page == nil {
		return fmt.Errorf("page: monitor not started")
	}
	if err := m.page.ExposeFunction("__relayFocus", func(...interface{}) interface{} {
		fn()
		return nil
	}); err != nil {
		return fmt.Errorf("page: expose focus binding: %w", err)
	}
	script := "window.addEventListener('focus', () => window.__relayFocus && window.__relayFocus())"
	if err := m.page.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		return fmt.Errorf("page: install focus hook: %w", err)
	}
	if _, err := m.page.Evaluate(script); err != nil {
		return fmt.Errorf("page: hook current document: %w", err)
	}
	return nil
}

// Shutdown closes the page and stops playwright.
func (m *Monitor) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil
	}
	_ = m.page.Close()
	_ = m.context.Close()
	_ = m.browser.Close()
	m.initialized = false
	if err := m.playwright.Stop(); err != nil {
		return fmt.Errorf("page: stop playwright: %w", err)
	}
	return nil
}

// playwrightPage adapts the monitor's live page to the Page interface.
type playwrightPage struct {
	monitor *Monitor
}

func (p *playwrightPage) URL() string {
	p.monitor.mu.Lock()
	defer p.monitor.mu.Unlock()
	if p.monitor.page == nil {
		return ""
	}
	return p.monitor.page.URL()
}

func (p *playwrightPage) UserAgent() string {
	p.monitor.mu.Lock()
	defer p.monitor.mu.Unlock()
	return p.monitor.userAgent
}

func (p *playwrightPage) Cookie(_ context.Context, name string) (string, error) {
	p.monitor.mu.Lock()
	browserCtx := p.monitor.context
	currentURL := ""
	if p.monitor.page != nil {
		currentURL = p.monitor.page.URL()
	}
	p.monitor.mu.Unlock()

	if browserCtx == nil {
		return "", fmt.Errorf("page: monitor not started")
	}
	cookies, err := browserCtx.Cookies(currentURL)
	if err != nil {
		return "", fmt.Errorf("page: read cookies: %w", err)
	}
	for _, c := range cookies {
		if c.Name == name {
			return c.Value, nil
		}
	}
	return "", nil
}

func (p *playwrightPage) ScriptBodies(_ context.Context) ([]string, error) {
	p.monitor.mu.Lock()
	pg := p.monitor.page
	p.monitor.mu.Unlock()

	if pg == nil {
		return nil, fmt.Errorf("page: monitor not started")
	}
	result, err := pg.Evaluate("Array.from(document.scripts).map(s => s.textContent || '')")
	if err != nil {
		return nil, fmt.Errorf("page: read scripts: %w", err)
	}
	raw, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("page: unexpected script evaluation result %T", result)
	}
	bodies := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			bodies = append(bodies, s)
		}
	}
	return bodies, nil
}

func (p *playwrightPage) Content(_ context.Context) (string, error) {
	p.monitor.mu.Lock()
	pg := p.monitor.page
	p.monitor.mu.Unlock()

	if pg == nil {
		return "", fmt.Errorf("page: monitor not started")
	}
	content, err := pg.Content()
	if err != nil {
		return "", fmt.Errorf("page: read content: %w", err)
	}
	return content, nil
}
