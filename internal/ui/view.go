package ui

import (
	"fmt"

	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/telemetry"
)

// Level is the severity of a status message.
type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Status is an operator-facing message.
type Status struct {
	Level Level
	Text  string
}

// Infof builds an Info status.
func Infof(format string, args ...any) Status {
	return Status{Level: Info, Text: fmt.Sprintf(format, args...)}
}

// Warnf builds a Warning status.
func Warnf(format string, args ...any) Status {
	return Status{Level: Warning, Text: fmt.Sprintf(format, args...)}
}

// Errorf builds an Error status.
func Errorf(format string, args ...any) Status {
	return Status{Level: Error, Text: fmt.Sprintf(format, args...)}
}

// View renders presentation updates. Methods are only called from the Loop.
type View interface {
	Render(f telemetry.Frame)
	Status(s Status)
	Variant(v sensor.Variant)
}

// Presenter marshals updates from any goroutine onto the loop before they
// reach the view.
type Presenter struct {
	loop *Loop
	view View
}

// NewPresenter binds view to loop.
func NewPresenter(loop *Loop, view View) *Presenter {
	return &Presenter{loop: loop, view: view}
}

// Status posts a status message.
func (p *Presenter) Status(s Status) {
	p.loop.Post(func() { p.view.Status(s) })
}

// Variant posts a variant change.
func (p *Presenter) Variant(v sensor.Variant) {
	p.loop.Post(func() { p.view.Variant(v) })
}

// Render must already run on the loop; the consumer tick does.
func (p *Presenter) Render(f telemetry.Frame) {
	p.view.Render(f)
}

// Loop returns the bound loop.
func (p *Presenter) Loop() *Loop { return p.loop }
