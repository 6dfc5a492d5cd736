package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bendlink/internal/calibration"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/telemetry"
	"github.com/srg/bendlink/internal/ui"
)

type calibrateOptions struct {
	kind        string
	yes         bool
	noCountdown bool
}

func newCalibrateCmd() *cobra.Command {
	var opts calibrateOptions
	cmd := &cobra.Command{
		Use:   "calibrate [address]",
		Short: "Calibrate the sensor's reference positions",
		Long: fmt.Sprintf(`Walk through a calibration sequence on the sensor.

One axis sensors calibrate bend (flat, then 90°) and stretch (relaxed, then
30mm) separately. Two axis sensors run a single three step sequence. Clear
restores the factory calibration.
%s`, deviceAddressNote),
		Example: fmt.Sprintf(`  bendlink calibrate --type bend
  bendlink calibrate %s --type two-axis --no-countdown
  bendlink calibrate --type clear`, exampleDeviceAddress),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.kind {
			case "bend", "stretch", "two-axis", "clear":
			default:
				return fmt.Errorf("invalid calibration type '%s': must be one of [bend stretch two-axis clear]", opts.kind)
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if opts.noCountdown {
				a.cfg.Calibration.Countdown = false
			}

			// All arguments validated - don't show usage on runtime errors
			cmd.SilenceUsage = true

			var addr string
			if len(args) == 1 {
				addr = args[0]
			}
			return runCalibrate(cmd, a, addr, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "type", "t", "bend", "Calibration to run (bend, stretch, two-axis, clear)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Do not wait for Enter before each step")
	cmd.Flags().BoolVar(&opts.noCountdown, "no-countdown", false, "Write each reference position immediately")
	return cmd
}

// statusView prints operator messages and drops readings, which would
// overwrite the prompts.
type statusView struct {
	console *ui.ConsoleView
}

func (v statusView) Render(telemetry.Frame)    {}
func (v statusView) Status(s ui.Status)        { v.console.Status(s) }
func (v statusView) Variant(vr sensor.Variant) { v.console.Variant(vr) }

func runCalibrate(cmd *cobra.Command, a *app, addr string, opts calibrateOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr, err := a.resolveAddress(ctx, addr)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	s := a.newStream(ctx, statusView{console: ui.NewConsoleView(out)})
	defer s.Close()

	if err := s.Start(ctx, addr); err != nil {
		return err
	}
	variant, err := s.waitVariant(ctx, variantWait)
	if err != nil {
		return err
	}
	// The stream's own variant callback runs on the loop; make sure the
	// controller knows before the first step.
	s.calib.SetVariant(variant)

	w := &wizard{
		ctx:   ctx,
		out:   out,
		in:    bufio.NewReader(cmd.InOrStdin()),
		calib: s.calib,
		yes:   opts.yes,
	}

	switch opts.kind {
	case "clear":
		if err := s.calib.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Calibration cleared.")
		return nil
	case "two-axis":
		if variant != sensor.DualAxis {
			return fmt.Errorf("two-axis calibration needs a two axis sensor, found %s", variant.DisplayName())
		}
		return w.runTwoAxis()
	case "stretch":
		return w.runOneAxis(calibration.Stretch)
	default:
		return w.runOneAxis(calibration.Bend)
	}
}

// wizard steps the controller from the terminal.
type wizard struct {
	ctx   context.Context
	out   io.Writer
	in    *bufio.Reader
	calib *calibration.Controller
	yes   bool
}

func (w *wizard) show() calibration.Instruction {
	in := w.calib.Instructions()
	fmt.Fprintf(w.out, "\n%s\n%s\n", color.New(color.Bold).Sprint(in.Header), in.Text)
	return in
}

// confirm waits for Enter before a step that writes.
func (w *wizard) confirm(in calibration.Instruction) error {
	if w.yes || in.Button != "Calibrate" {
		return nil
	}
	fmt.Fprint(w.out, "Press Enter to calibrate...")
	read := make(chan error, 1)
	go func() {
		_, err := w.in.ReadString('\n')
		read <- err
	}()
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case err := <-read:
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	}
}

func (w *wizard) runOneAxis(t calibration.Type) error {
	if err := w.calib.Begin(w.ctx, t); err != nil {
		return err
	}
	for {
		active, _, _ := w.calib.OneAxisState()
		if active == calibration.None {
			return nil
		}
		in := w.show()
		if err := w.confirm(in); err != nil {
			return err
		}
		if err := w.calib.Advance(w.ctx); err != nil {
			return err
		}
	}
}

func (w *wizard) runTwoAxis() error {
	for {
		in := w.show()
		if err := w.confirm(in); err != nil {
			return err
		}
		if err := w.calib.Advance(w.ctx); err != nil {
			return err
		}
		if w.calib.TwoAxisStep() == 0 {
			return nil
		}
	}
}
