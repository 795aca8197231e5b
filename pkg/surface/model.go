package surface

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/relay/pkg/artifact"
	"github.com/entrhq/relay/pkg/types"
)

// Key binding constants for the consent surface
const (
	keyCtrlA = "ctrl+a"
	keyCtrlC = "ctrl+c"
	keyCtrlR = "ctrl+r"
	keyTab   = "tab"
	keyEnter = "enter"
	keyLeft  = "left"
	keyRight = "right"
	keyEsc   = "esc"
	keySpace = " "
)

// phase is the surface's screen state.
type phase int

const (
	phaseDecide phase = iota
	phaseSending
	phaseDone
	phaseDenied
	phaseFailed
)

// choice is the focused decision button.
type choice int

const (
	choiceApprove choice = iota
	choiceDeny
)

// Messages produced by the surface's async commands.
type (
	decisionRecordedMsg struct{ err error }
	deliveryResultMsg   struct {
		resp *types.Response
		err  error
	}
	copiedMsg struct{ err error }
)

// model is the bubbletea model for one consent prompt.
type model struct {
	surface   *Surface
	contextID types.ContextID
	preview   *artifact.Record

	phase    phase
	selected choice
	// confirmed is the mandatory consent tick; approval is refused
	// until the user has explicitly checked it.
	confirmed   bool
	needConfirm bool
	remember    bool

	viewport viewport.Model
	spinner  spinner.Model

	result *Result
	copied bool
	width  int
}

func newModel(s *Surface, contextID types.ContextID, preview *artifact.Record) *model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(accentColor)

	vp := viewport.New(70, 9)
	m := &model{
		surface:   s,
		contextID: contextID,
		preview:   preview,
		viewport:  vp,
		spinner:   sp,
		result:    &Result{Outcome: types.OutcomeConsentAbandoned},
		width:     80,
	}
	m.viewport.SetContent(m.renderPreview())
	return m
}

func (m *model) Init() tea.Cmd {
	return nil
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = max(40, min(msg.Width-8, 100))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if m.phase != phaseSending {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case decisionRecordedMsg:
		if msg.err != nil {
			m.phase = phaseFailed
			m.result = &Result{Outcome: types.OutcomeInternalError, Reason: msg.err.Error()}
			return m, nil
		}
		// Approval recorded; re-extract and deliver.
		return m, m.surface.deliverCmd(m.contextID)

	case deliveryResultMsg:
		return m.handleDeliveryResult(msg)

	case copiedMsg:
		m.copied = msg.err == nil
		return m, nil
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.phase {
	case phaseDecide:
		return m.handleDecideKey(msg)
	case phaseSending:
		// Delivery is in flight; the decision is final.
		return m, nil
	case phaseDone, phaseDenied:
		switch msg.String() {
		case "c":
			if m.phase == phaseDone && m.result.DeliveryID != "" {
				return m, m.surface.copyCmd(m.result.DeliveryID)
			}
		case keyEnter, keyEsc, "q", keyCtrlC:
			return m, tea.Quit
		}
		return m, nil
	case phaseFailed:
		switch msg.String() {
		case "r":
			// Retry runs the full flow again: fresh extraction, then
			// delivery. The prior failure stays terminal for its own
			// consent event; this is a new one.
			m.phase = phaseSending
			return m, tea.Batch(m.spinner.Tick, m.surface.retryCmd(m.contextID, m.remember))
		case keyEnter, keyEsc, "q", keyCtrlC:
			return m, tea.Quit
		}
		return m, nil
	}
	return m, nil
}

func (m *model) handleDecideKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case keyEsc, keyCtrlC:
		// Walking away is abandonment, never a denial: no decision is
		// recorded and a later prompt stays possible.
		m.result = &Result{Outcome: types.OutcomeConsentAbandoned}
		return m, tea.Quit
	case keyCtrlA:
		return m.approve()
	case keyCtrlR, "d":
		return m.deny()
	case keyTab, keyLeft, keyRight:
		if m.selected == choiceApprove {
			m.selected = choiceDeny
		} else {
			m.selected = choiceApprove
		}
		return m, nil
	case keySpace:
		m.confirmed = !m.confirmed
		m.needConfirm = false
		return m, nil
	case "r":
		m.remember = !m.remember
		return m, nil
	case keyEnter:
		if m.selected == choiceApprove {
			return m.approve()
		}
		return m.deny()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) approve() (tea.Model, tea.Cmd) {
	if !m.confirmed {
		m.needConfirm = true
		return m, nil
	}
	m.phase = phaseSending
	return m, tea.Batch(m.spinner.Tick, m.surface.decisionCmd(m.decision(true)))
}

func (m *model) deny() (tea.Model, tea.Cmd) {
	m.phase = phaseDenied
	m.result = &Result{Outcome: types.OutcomeDenied}
	return m, m.surface.denyCmd(m.decision(false))
}

func (m *model) decision(granted bool) *types.Decision {
	return &types.Decision{
		ContextID:    m.contextID,
		CredentialID: m.preview.CredentialID,
		Granted:      granted,
		Remember:     m.remember,
	}
}

func (m *model) handleDeliveryResult(msg deliveryResultMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.phase = phaseFailed
		m.result = &Result{Outcome: types.OutcomeInternalError, Reason: msg.err.Error()}
		return m, nil
	}
	resp := msg.resp
	m.result = &Result{
		Outcome:    resp.Outcome,
		DeliveryID: resp.DeliveryID,
		Reason:     resp.Reason,
	}
	if resp.OK && resp.Outcome == types.OutcomeDelivered {
		m.phase = phaseDone
	} else {
		m.phase = phaseFailed
	}
	return m, nil
}

// View renders the current screen.
func (m *model) View() string {
	var body string
	switch m.phase {
	case phaseDecide:
		body = m.viewDecide()
	case phaseSending:
		body = fmt.Sprintf("%s Delivering…", m.spinner.View())
	case phaseDone:
		body = m.viewDone()
	case phaseDenied:
		body = successStyle.Render("Denied.") + "\n" +
			subtitleStyle.Render("Nothing left this device.") + "\n" +
			hintStyle.Render("Enter: Close")
	case phaseFailed:
		body = m.viewFailed()
	}
	return containerStyle.Render(body)
}

func (m *model) viewDecide() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Relay this session?"))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render("A session credential was found on the monitored page."))
	b.WriteString("\n\n")
	b.WriteString(previewStyle.Width(m.viewport.Width).Render(m.viewport.View()))
	b.WriteString("\n\n")

	b.WriteString(m.renderCheckbox(m.confirmed, "I approve sending this session credential off this device"))
	b.WriteString("\n")
	b.WriteString(m.renderCheckbox(m.remember, "Remember this decision"))
	b.WriteString("\n\n")

	approve := buttonStyle.Render(" ✓ Approve ")
	deny := buttonStyle.Render(" ✗ Deny ")
	if m.selected == choiceApprove {
		approve = buttonActiveStyle.Render(" ✓ Approve ")
	} else {
		deny = buttonActiveStyle.Render(" ✗ Deny ")
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, approve, "  ", deny))
	b.WriteString("\n")
	if m.needConfirm {
		b.WriteString(errorStyle.Render("Tick the consent box to approve."))
		b.WriteString("\n")
	}
	b.WriteString(hintStyle.Render("Space: Consent • R: Remember • Ctrl+A: Approve • Ctrl+R: Deny • Tab: Toggle • Esc: Dismiss"))
	return b.String()
}

func (m *model) renderCheckbox(checked bool, label string) string {
	box := "[ ]"
	style := checkboxStyle
	if checked {
		box = "[x]"
		style = checkboxActiveStyle
	}
	return style.Render(box + " " + label)
}

func (m *model) viewDone() string {
	var b strings.Builder
	b.WriteString(successStyle.Render("Delivered."))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("Delivery id %s", m.result.DeliveryID)))
	if m.copied {
		b.WriteString(subtitleStyle.Render(" (copied)"))
	}
	b.WriteString("\n")
	b.WriteString(hintStyle.Render("C: Copy delivery id • Enter: Close"))
	return b.String()
}

func (m *model) viewFailed() string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("Delivery failed."))
	b.WriteString("\n")
	reason := m.result.Reason
	if reason == "" {
		reason = string(m.result.Outcome)
	}
	b.WriteString(subtitleStyle.Render(reason))
	b.WriteString("\n")
	b.WriteString(hintStyle.Render("R: Retry • Enter: Close"))
	return b.String()
}

// renderPreview formats the artifact preview. The credential is always
// redacted here; the full value is only ever read at delivery time.
func (m *model) renderPreview() string {
	row := func(label, value string) string {
		return labelStyle.Render(fmt.Sprintf("%-12s", label)) + valueStyle.Render(artifact.FieldOrNotFound(value))
	}
	extractedAt := ""
	if !m.preview.ExtractedAt.IsZero() {
		extractedAt = m.preview.ExtractedAt.Format(time.RFC1123)
	}
	lines := []string{
		row("Credential", artifact.Redact(m.preview.CredentialID)),
		row("Account", m.preview.SubjectHandle),
		row("Account id", m.preview.SubjectID),
		row("Page", m.preview.SourceURL),
		row("Seen", extractedAt),
		row("Client", m.preview.ClientMeta),
	}
	return strings.Join(lines, "\n")
}

// deliverCmd is issued by the model after its decision is recorded; it
// lives on Surface so tests can exercise the model without a program.
func (s *Surface) deliverCmd(contextID types.ContextID) tea.Cmd {
	return func() tea.Msg {
		resp, err := s.deliverFresh(context.Background(), contextID)
		return deliveryResultMsg{resp: resp, err: err}
	}
}

// retryCmd re-runs the whole approval flow: record a fresh decision,
// then extract and deliver again.
func (s *Surface) retryCmd(contextID types.ContextID, remember bool) tea.Cmd {
	return func() tea.Msg {
		resp, err := s.retry(context.Background(), contextID, remember)
		return deliveryResultMsg{resp: resp, err: err}
	}
}

func (s *Surface) decisionCmd(decision *types.Decision) tea.Cmd {
	return func() tea.Msg {
		return decisionRecordedMsg{err: s.recordDecision(context.Background(), decision)}
	}
}

// denyCmd records a denial; the model has already moved to its denied
// screen and does not wait for the write.
func (s *Surface) denyCmd(decision *types.Decision) tea.Cmd {
	return func() tea.Msg {
		if err := s.recordDecision(context.Background(), decision); err != nil {
			s.logger.Errorf("record denial: %v", err)
		}
		return nil
	}
}

func (s *Surface) copyCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return copiedMsg{err: s.copyFunc(text)}
	}
}
