package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bendlink/internal/session"
	"github.com/srg/bendlink/internal/ui"
)

func newStreamCmd() *cobra.Command {
	var opts streamOptions
	cmd := &cobra.Command{
		Use:   "stream [address]",
		Short: "Stream sensor readings to the console",
		Long: fmt.Sprintf(`Connect to a bend sensor and print its readings as they arrive.

Without an address, the configured sensor.address is used, and failing that
the first sensor found by a scan.
%s

One axis sensors print bend only unless --stretch turns stretch readings on.
Readings can be recorded to CSV files (--log) and published to an MQTT
broker (--mqtt). Press Ctrl+C to disconnect.`, deviceAddressNote),
		Example: fmt.Sprintf(`  bendlink stream
  bendlink stream --stretch
  bendlink stream %s --log --rotation 5
  bendlink stream --mqtt --broker tcp://broker.local:1883`, exampleDeviceAddress),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			a.applyStreamOptions(cmd, opts)
			if broker, _ := cmd.Flags().GetString("broker"); broker != "" {
				a.cfg.MQTT.Broker = broker
				a.cfg.MQTT.Enabled = true
			}
			if svc, _ := cmd.Flags().GetString("angle-service"); svc != "" {
				a.cfg.Sensor.AngleService = svc
			}
			if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
				a.cfg.Sensor.ConnectTimeout = timeout
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			// All arguments validated - don't show usage on runtime errors
			cmd.SilenceUsage = true

			var addr string
			if len(args) == 1 {
				addr = args[0]
			}
			return runStream(cmd, a, addr)
		},
	}

	bindStreamFlags(cmd, &opts)
	cmd.Flags().String("broker", "", "MQTT broker URL (implies --mqtt)")
	cmd.Flags().String("angle-service", "", "UUID of the telemetry service")
	cmd.Flags().Duration("timeout", 0, "Connection timeout (default from config)")
	return cmd
}

func runStream(cmd *cobra.Command, a *app, addr string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr, err := a.resolveAddress(ctx, addr)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	s := a.newStream(ctx, ui.NewConsoleView(out))
	defer s.Close()

	progress := NewProgressPrinter(out, fmt.Sprintf("Connecting to %s", addr), "Connecting")
	progress.Start()
	err = s.Start(ctx, addr)
	progress.Stop()
	if err != nil {
		return err
	}

	started := time.Now()
	select {
	case <-ctx.Done():
		fmt.Fprintf(out, "\nDisconnected after %s\n", time.Since(started).Round(time.Second))
		return nil
	case <-s.Lost():
		return session.ErrConnectionLost
	}
}
