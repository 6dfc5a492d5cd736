package tui_test

import (
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/telemetry"
	"github.com/srg/bendlink/internal/ui"
	"github.com/srg/bendlink/internal/ui/tui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recordingSender) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func update(t *testing.T, m tea.Model, msg tea.Msg) (tui.Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(tui.Model)
	require.True(t, ok, "Update MUST return the tui model")
	return model, cmd
}

func frame(values ...float32) telemetry.Frame {
	now := time.Now()
	var window []sensor.Sample
	for i, v := range values {
		window = append(window, sensor.Sample{Value1: v, Value2: -v, Timestamp: now.Add(time.Duration(i) * time.Millisecond)})
	}
	return telemetry.Frame{
		Variant: sensor.SingleAxis,
		Batch:   window[len(window)-1:],
		Window:  window,
		Bounds:  telemetry.FixedBounds(),
		Stretch: true,
	}
}

func TestProgramViewForwardsUpdates(t *testing.T) {
	sender := &recordingSender{}
	var view ui.View = tui.NewProgramView(sender)

	view.Variant(sensor.DualAxis)
	view.Status(ui.Warnf("Log write failed"))
	view.Render(frame(1, 2))

	require.Len(t, sender.msgs, 3)
	assert.Equal(t, tui.VariantMsg(sensor.DualAxis), sender.msgs[0])
	assert.Equal(t, tui.StatusMsg(ui.Warnf("Log write failed")), sender.msgs[1])
	assert.IsType(t, tui.FrameMsg{}, sender.msgs[2])
}

func TestModelRendersTelemetry(t *testing.T) {
	// GOAL: Verify the model shows the latest reading and operator messages
	//
	// TEST SCENARIO: Window size → variant → frame → status → view contains labels, value and status text

	m := tui.New("bendlink", tui.Actions{}, nil)
	assert.Contains(t, m.View(), "Waiting for telemetry...")

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})
	m, _ = update(t, m, tui.VariantMsg(sensor.SingleAxis))
	m, _ = update(t, m, tui.FrameMsg(frame(10, 20, 42.5)))
	m, _ = update(t, m, tui.StatusMsg(ui.Infof("Successfully subscribed for value changes")))

	out := m.View()
	assert.Contains(t, out, "One Axis Sensor")
	assert.Contains(t, out, "Bend:")
	assert.Contains(t, out, "Stretch:")
	assert.Contains(t, out, "42.50°")
	assert.Contains(t, out, "Successfully subscribed for value changes")
	assert.Contains(t, out, "n=3")
}

func TestModelHidesStretchWhenOff(t *testing.T) {
	// GOAL: Verify the TUI follows the stretch mode of a one axis sensor
	//
	// TEST SCENARIO: Frame with stretch off → no Stretch reading or chart row, title says off; stretch on → both shown

	m := tui.New("bendlink", tui.Actions{}, nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})
	m, _ = update(t, m, tui.VariantMsg(sensor.SingleAxis))

	f := frame(10, 20, 42.5)
	f.Stretch = false
	m, _ = update(t, m, tui.FrameMsg(f))
	out := m.View()
	assert.Contains(t, out, "Bend:")
	assert.Contains(t, out, "stretch off")
	assert.NotContains(t, out, "Stretch", "stretch MUST be hidden while stretch mode is off")

	f.Stretch = true
	m, _ = update(t, m, tui.FrameMsg(f))
	out = m.View()
	assert.Contains(t, out, "stretch on")
	assert.Contains(t, out, "Stretch:")
	assert.Contains(t, out, "-42.50")
}

func TestModelKeepsRecentStatuses(t *testing.T) {
	m := tui.New("bendlink", tui.Actions{}, nil)
	for i := 0; i < 10; i++ {
		m, _ = update(t, m, tui.StatusMsg(ui.Infof("status %d", i)))
	}
	out := m.View()
	assert.NotContains(t, out, "status 3", "old statuses MUST scroll away")
	assert.Contains(t, out, "status 4")
	assert.Contains(t, out, "status 9")
}

func TestModelKeyBindings(t *testing.T) {
	called := make(chan string, 4)
	actions := tui.Actions{
		Calibrate:       func() { called <- "calibrate" },
		ToggleAutoScale: func() { called <- "autoscale" },
	}
	quit := false
	m := tui.New("bendlink", actions, func() { quit = true })

	help := m.View()
	assert.Contains(t, help, "next step")
	assert.NotContains(t, help, "stretch", "unbound actions MUST NOT be offered")

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	require.NotNil(t, cmd)
	assert.Nil(t, cmd())
	assert.Equal(t, "calibrate", <-called)

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	assert.Nil(t, cmd, "unbound key MUST be ignored")

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.True(t, quit)
}

func TestSparkline(t *testing.T) {
	b := telemetry.Bounds{Min: 0, Max: 70}
	window := []sensor.Sample{{Value1: -5}, {Value1: 0}, {Value1: 35}, {Value1: 70}, {Value1: 100}}
	pick := func(s sensor.Sample) float32 { return s.Value1 }

	assert.Equal(t, "▁▁▅██", tui.Sparkline(window, 10, b, pick), "values MUST be clamped to bounds")
	assert.Equal(t, "▅██", tui.Sparkline(window, 3, b, pick), "MUST keep the newest points")
	assert.Equal(t, "", tui.Sparkline(nil, 10, b, pick))
	assert.Equal(t, "▁▁", tui.Sparkline(window[:2], 10, telemetry.Bounds{Min: 1, Max: 1}, pick))
}
