package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/telemetry"
	"github.com/srg/bendlink/internal/ui"
)

// FrameMsg carries one consumer refresh.
type FrameMsg telemetry.Frame

// StatusMsg carries an operator message.
type StatusMsg ui.Status

// VariantMsg reports the identified sensor variant.
type VariantMsg sensor.Variant

// Sender delivers messages to a running program. *tea.Program implements it.
type Sender interface {
	Send(msg tea.Msg)
}

// ProgramView is a ui.View that forwards every update to a bubbletea program.
// Send is safe from the UI loop goroutine; the program renders on its own.
type ProgramView struct {
	program Sender
}

// NewProgramView binds the view to program.
func NewProgramView(program Sender) *ProgramView {
	return &ProgramView{program: program}
}

func (v *ProgramView) Render(f telemetry.Frame)  { v.program.Send(FrameMsg(f)) }
func (v *ProgramView) Status(s ui.Status)        { v.program.Send(StatusMsg(s)) }
func (v *ProgramView) Variant(vr sensor.Variant) { v.program.Send(VariantMsg(vr)) }
