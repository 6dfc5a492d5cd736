package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/telemetry"
	"golang.org/x/term"
)

const clearLineSequence = "\r\033[K"

// ConsoleView prints frames as text lines. On a terminal the reading is
// redrawn in place and colored; otherwise each frame is a plain line.
type ConsoleView struct {
	out     io.Writer
	inPlace bool
	variant sensor.Variant
	dirty   bool // a reading is on the current line

	value  *color.Color
	label  *color.Color
	info   *color.Color
	warn   *color.Color
	errorC *color.Color
}

// NewConsoleView creates a view writing to out.
func NewConsoleView(out io.Writer) *ConsoleView {
	v := &ConsoleView{
		out:    out,
		value:  color.New(color.FgGreen, color.Bold),
		label:  color.New(color.FgCyan),
		info:   color.New(color.FgWhite),
		warn:   color.New(color.FgYellow),
		errorC: color.New(color.FgRed, color.Bold),
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		v.inPlace = true
	} else {
		for _, c := range []*color.Color{v.value, v.label, v.info, v.warn, v.errorC} {
			c.DisableColor()
		}
	}
	return v
}

// Render prints the newest sample of the frame and the current bounds.
// Stretch is left out on a one axis sensor with stretch mode off.
func (v *ConsoleView) Render(f telemetry.Frame) {
	if len(f.Batch) == 0 {
		return
	}
	s := f.Latest()
	l1, l2 := f.Variant.Labels()
	line := fmt.Sprintf("%s %s  ", v.label.Sprint(l1+":"), v.value.Sprintf("%8.2f°", s.Value1))
	if f.ShowValue2() {
		unit2 := "°"
		if f.Variant == sensor.SingleAxis {
			unit2 = ""
		}
		line += fmt.Sprintf("%s %s  ", v.label.Sprint(l2+":"), v.value.Sprintf("%8.2f%s", s.Value2, unit2))
	}
	line += v.info.Sprintf("[%.1f .. %.1f] n=%d", f.Bounds.Min, f.Bounds.Max, len(f.Window))
	if v.inPlace {
		fmt.Fprint(v.out, clearLineSequence+line)
		v.dirty = true
		return
	}
	fmt.Fprintln(v.out, line)
}

// Status prints a message on its own line.
func (v *ConsoleView) Status(s Status) {
	c := v.info
	switch s.Level {
	case Warning:
		c = v.warn
	case Error:
		c = v.errorC
	}
	if v.dirty {
		fmt.Fprint(v.out, clearLineSequence)
		v.dirty = false
	}
	fmt.Fprintln(v.out, c.Sprint(s.Text))
}

// Variant records the sensor variant and announces it.
func (v *ConsoleView) Variant(variant sensor.Variant) {
	if variant == v.variant {
		return
	}
	v.variant = variant
	v.Status(Infof("Found %s.", variant.DisplayName()))
}
