package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/srg/bendlink/internal/groutine"
	"github.com/srg/bendlink/internal/session"
	"github.com/srg/bendlink/internal/ui"
	"github.com/srg/bendlink/internal/ui/tui"
)

func newMonitorCmd() *cobra.Command {
	var opts streamOptions
	cmd := &cobra.Command{
		Use:   "monitor [address]",
		Short: "Live chart of sensor readings",
		Long: fmt.Sprintf(`Connect to a bend sensor and show its readings in a full-screen chart.

Keys:
  n  run the next calibration step
  c  clear the calibration
  s  toggle stretch readings (one axis sensors)
  a  toggle chart auto-scale
  l  toggle data logging
  q  quit
%s`, deviceAddressNote),
		Example: fmt.Sprintf(`  bendlink monitor
  bendlink monitor %s --auto-scale`, exampleDeviceAddress),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			a.applyStreamOptions(cmd, opts)
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			// All arguments validated - don't show usage on runtime errors
			cmd.SilenceUsage = true

			debugLog, _ := cmd.Flags().GetString("debug-log")
			if debugLog != "" {
				f, err := tea.LogToFile(debugLog, "bendlink")
				if err != nil {
					return fmt.Errorf("failed to open debug log: %w", err)
				}
				defer f.Close()
				a.logger.SetOutput(f)
			} else {
				// The alternate screen owns the terminal.
				a.logger.SetOutput(io.Discard)
			}

			var addr string
			if len(args) == 1 {
				addr = args[0]
			}
			return runMonitor(cmd, a, addr)
		},
	}

	bindStreamFlags(cmd, &opts)
	cmd.Flags().String("debug-log", "", "Write diagnostic logs to this file")
	return cmd
}

func runMonitor(cmd *cobra.Command, a *app, addr string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr, err := a.resolveAddress(ctx, addr)
	if err != nil {
		return err
	}

	var s *stream
	actions := tui.Actions{
		Calibrate:        func() { s.CalibrateNext(ctx) },
		ClearCalibration: func() { s.ClearCalibration(ctx) },
		ToggleStretch:    func() { s.ToggleStretch(ctx) },
		ToggleAutoScale:  func() { s.ToggleAutoScale() },
		ToggleLogging:    func() { s.ToggleLogging(ctx) },
	}
	model := tui.New(fmt.Sprintf("bendlink %s", addr), actions, stop)
	program := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)

	s = a.newStream(ctx, tui.NewProgramView(program))
	defer s.Close()

	groutine.Go(ctx, "monitor-connect", func(ctx context.Context) {
		s.presenter.Status(ui.Infof("Connecting to %s...", addr))
		if err := s.Start(ctx, addr); err != nil {
			s.presenter.Status(ui.Errorf("%s", FormatUserError(err)))
		}
	})

	_, err = program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	select {
	case <-s.Lost():
		return session.ErrConnectionLost
	default:
		return nil
	}
}
