// Package tui is the full-screen terminal presentation of a streaming session.
package tui

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/telemetry"
	"github.com/srg/bendlink/internal/ui"
)

const (
	maxStatusLines = 6
	minChartWidth  = 20
)

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Actions are operator commands bound to keys. They run in a bubbletea
// command goroutine, so they may block. Nil actions are not offered.
type Actions struct {
	Calibrate        func()
	ClearCalibration func()
	ToggleStretch    func()
	ToggleAutoScale  func()
	ToggleLogging    func()
}

type binding struct {
	key   string
	label string
	run   func()
}

// Model is the root bubbletea model.
type Model struct {
	title  string
	width  int
	height int

	variant  sensor.Variant
	frame    telemetry.Frame
	hasFrame bool
	statuses []ui.Status

	bindings []binding
	onQuit   func()
}

// New creates the model. onQuit, when set, runs before the program exits.
func New(title string, actions Actions, onQuit func()) Model {
	m := Model{title: title, onQuit: onQuit}
	for _, b := range []binding{
		{"n", "next step", actions.Calibrate},
		{"c", "clear cal", actions.ClearCalibration},
		{"s", "stretch", actions.ToggleStretch},
		{"a", "auto-scale", actions.ToggleAutoScale},
		{"l", "log", actions.ToggleLogging},
	} {
		if b.run != nil {
			m.bindings = append(m.bindings, b)
		}
	}
	return m
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case FrameMsg:
		m.frame = telemetry.Frame(msg)
		m.hasFrame = len(m.frame.Batch) > 0
		if m.frame.Variant != sensor.Unknown {
			m.variant = m.frame.Variant
		}
		return m, nil

	case StatusMsg:
		m.statuses = append(m.statuses, ui.Status(msg))
		if len(m.statuses) > maxStatusLines {
			m.statuses = m.statuses[len(m.statuses)-maxStatusLines:]
		}
		return m, nil

	case VariantMsg:
		m.variant = sensor.Variant(msg)
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "q" || key == "ctrl+c" {
		if m.onQuit != nil {
			m.onQuit()
		}
		return m, tea.Quit
	}
	for _, b := range m.bindings {
		if b.key == key {
			run := b.run
			return m, func() tea.Msg {
				run()
				return nil
			}
		}
	}
	return m, nil
}

func (m Model) View() string {
	var sections []string

	title := fmt.Sprintf("%s  %s", m.title, m.variant.DisplayName())
	if m.variant == sensor.SingleAxis && m.hasFrame {
		title += "  stretch " + onOff(m.frame.Stretch)
	}
	sections = append(sections, styleTitle.Render(title))
	sections = append(sections, m.renderReading())

	if m.hasFrame {
		w := m.width - 4
		if w < minChartWidth {
			w = telemetry.DefaultWindow / 4
		}
		l1, l2 := m.variant.Labels()
		rows := []string{
			styleLabel.Render(l1) + " " + styleValue1.Render(Sparkline(m.frame.Window, w, m.frame.Bounds, value1)),
		}
		if m.frame.ShowValue2() {
			rows = append(rows, styleLabel.Render(l2)+" "+styleValue2.Render(Sparkline(m.frame.Window, w, m.frame.Bounds, value2)))
		}
		rows = append(rows, styleInfo.Render(fmt.Sprintf("[%.1f .. %.1f]  n=%d", m.frame.Bounds.Min, m.frame.Bounds.Max, len(m.frame.Window))))
		sections = append(sections, styleChart.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	}

	for _, s := range m.statuses {
		sections = append(sections, statusStyle(s.Level).Render(s.Text))
	}
	sections = append(sections, m.renderHelp())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderReading() string {
	if !m.hasFrame {
		return styleInfo.Render("Waiting for telemetry...")
	}
	s := m.frame.Latest()
	l1, l2 := m.variant.Labels()
	reading := fmt.Sprintf("%s %s", styleLabel.Render(l1+":"), styleValue1.Render(fmt.Sprintf("%8.2f°", s.Value1)))
	if !m.frame.ShowValue2() {
		return reading
	}
	unit2 := "°"
	if m.variant == sensor.SingleAxis {
		unit2 = ""
	}
	return fmt.Sprintf("%s   %s %s", reading,
		styleLabel.Render(l2+":"), styleValue2.Render(fmt.Sprintf("%8.2f%s", s.Value2, unit2)),
	)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (m Model) renderHelp() string {
	parts := make([]string, 0, len(m.bindings)+1)
	for _, b := range m.bindings {
		parts = append(parts, styleHelpKey.Render(b.key)+" "+b.label)
	}
	parts = append(parts, styleHelpKey.Render("q")+" quit")
	return styleHelp.Render(strings.Join(parts, "  "))
}

func statusStyle(l ui.Level) lipgloss.Style {
	switch l {
	case ui.Warning:
		return styleWarning
	case ui.Error:
		return styleError
	default:
		return styleInfo
	}
}

func value1(s sensor.Sample) float32 { return s.Value1 }
func value2(s sensor.Sample) float32 { return s.Value2 }

// Sparkline renders the newest width points of window as block characters
// scaled to b. Out-of-range values are clamped.
func Sparkline(window []sensor.Sample, width int, b telemetry.Bounds, pick func(sensor.Sample) float32) string {
	if width <= 0 || len(window) == 0 {
		return ""
	}
	if len(window) > width {
		window = window[len(window)-width:]
	}
	span := b.Max - b.Min
	top := len(sparkLevels) - 1

	var sb strings.Builder
	for _, s := range window {
		level := 0
		if span > 0 {
			level = int(math.Round((float64(pick(s)) - b.Min) / span * float64(top)))
		}
		level = max(0, min(top, level))
		sb.WriteRune(sparkLevels[level])
	}
	return sb.String()
}
