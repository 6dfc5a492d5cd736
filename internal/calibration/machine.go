// Package calibration drives the reference-position sequences that anchor
// the sensor's raw-to-angle conversion.
package calibration

import (
	"slices"

	"github.com/srg/bendlink/internal/sensor"
)

// Type is the one-axis calibration being run.
type Type int

const (
	None Type = iota
	Bend
	Stretch
)

func (t Type) String() string {
	switch t {
	case Bend:
		return "bend"
	case Stretch:
		return "stretch"
	default:
		return "none"
	}
}

// Action is the write a step issues. Label prefixes the result status.
type Action struct {
	Step  sensor.CalibrationStep
	Label string
}

// OneAxis is the single-axis bend/stretch sequence: two reference steps and
// an acknowledged completion. Phases queued with Arm run back to back.
type OneAxis struct {
	active  Type
	step    int
	pending []Type
}

const (
	oneAxisFirst = iota
	oneAxisSecond
	oneAxisComplete
)

// Active returns the running calibration, or None when idle.
func (m *OneAxis) Active() Type { return m.active }

// Step returns the current step index.
func (m *OneAxis) Step() int { return m.step }

// Pending returns the queued phases that have not completed yet.
func (m *OneAxis) Pending() []Type { return slices.Clone(m.pending) }

// Begin switches to t at step 0.
func (m *OneAxis) Begin(t Type) {
	m.active = t
	m.step = oneAxisFirst
}

// Arm queues phases that must all complete. Finishing one moves straight
// into the next instead of going idle.
func (m *OneAxis) Arm(phases ...Type) {
	m.pending = append(m.pending[:0], phases...)
}

// Reset returns to idle and keeps nothing queued.
func (m *OneAxis) Reset() {
	m.active = None
	m.step = oneAxisFirst
	m.pending = nil
}

// Action reports the write the current step needs. Completion and idle need none.
func (m *OneAxis) Action() (Action, bool) {
	switch {
	case m.active == Bend && m.step == oneAxisFirst:
		return Action{sensor.StepFlat, "Flat"}, true
	case m.active == Bend && m.step == oneAxisSecond:
		return Action{sensor.StepBend90, "90°"}, true
	case m.active == Stretch && m.step == oneAxisFirst:
		return Action{sensor.StepZeroStretch, "Zero stretch"}, true
	case m.active == Stretch && m.step == oneAxisSecond:
		return Action{sensor.StepStretch30mm, "30mm stretch"}, true
	}
	return Action{}, false
}

// Next moves past the current step. It must only be called once the step's
// write succeeded.
func (m *OneAxis) Next() {
	switch m.step {
	case oneAxisFirst:
		m.step = oneAxisSecond
	case oneAxisSecond:
		m.step = oneAxisComplete
		m.pending = slices.DeleteFunc(m.pending, func(t Type) bool { return t == m.active })
	default:
		m.step = oneAxisFirst
		m.active = None
		if len(m.pending) > 0 {
			m.active = m.pending[0]
		}
	}
}

// Chained reports whether completing the active phase leads into another.
func (m *OneAxis) Chained() bool {
	for _, t := range m.pending {
		if t != m.active {
			return true
		}
	}
	return false
}

// TwoAxis is the dual-axis sequence: intro, flat, vertical 90°, horizontal
// 90°, completion. It wraps to the intro once completion is acknowledged.
type TwoAxis struct {
	step int
}

const twoAxisSteps = 5

// Step returns the current step index.
func (m *TwoAxis) Step() int { return m.step }

// Reset returns to the intro step.
func (m *TwoAxis) Reset() { m.step = 0 }

// Action reports the write the current step needs.
func (m *TwoAxis) Action() (Action, bool) {
	switch m.step {
	case 1:
		return Action{sensor.StepFlat, "Flat"}, true
	case 2:
		return Action{sensor.StepVertical90, "Vertical 90°"}, true
	case 3:
		return Action{sensor.StepHorizontal90, "Horizontal 90°"}, true
	}
	return Action{}, false
}

// Next moves past the current step, wrapping after completion.
func (m *TwoAxis) Next() {
	m.step = (m.step + 1) % twoAxisSteps
}
