package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent  = lipgloss.Color("#00D7FF")
	colorValue   = lipgloss.Color("#87FF5F")
	colorValue2  = lipgloss.Color("#FFAF00")
	colorDim     = lipgloss.Color("#6C6C6C")
	colorWarning = lipgloss.Color("#FFAA00")
	colorError   = lipgloss.Color("#FF3300")
	colorBar     = lipgloss.Color("#1C1C1C")
)

var (
	styleTitle = lipgloss.NewStyle().
			Background(colorBar).
			Foreground(colorAccent).
			Bold(true).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorAccent)

	styleValue1 = lipgloss.NewStyle().
			Foreground(colorValue).
			Bold(true)

	styleValue2 = lipgloss.NewStyle().
			Foreground(colorValue2).
			Bold(true)

	styleChart = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim)

	styleInfo = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D0D0D0"))

	styleWarning = lipgloss.NewStyle().
			Foreground(colorWarning)

	styleError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	styleHelp = lipgloss.NewStyle().
			Background(colorBar).
			Foreground(colorDim).
			Padding(0, 1)

	styleHelpKey = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)
)
