package surface

import "github.com/charmbracelet/lipgloss"

// Palette and shared styles for the consent surface.
var (
	accentColor = lipgloss.Color("212")
	dimColor    = lipgloss.Color("241")
	dangerColor = lipgloss.Color("203")
	okColor     = lipgloss.Color("114")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			Padding(0, 1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Padding(0, 1)

	previewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	valueStyle = lipgloss.NewStyle().
			Bold(true)

	buttonStyle = lipgloss.NewStyle().
			Padding(0, 2).
			Foreground(dimColor)

	buttonActiveStyle = lipgloss.NewStyle().
				Padding(0, 2).
				Bold(true).
				Foreground(lipgloss.Color("230")).
				Background(accentColor)

	checkboxStyle = lipgloss.NewStyle().
			Padding(0, 1)

	checkboxActiveStyle = lipgloss.NewStyle().
				Padding(0, 1).
				Bold(true).
				Foreground(accentColor)

	hintStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Padding(1, 1, 0, 1)

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(okColor).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(dangerColor).
			Padding(0, 1)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(1, 2)
)
