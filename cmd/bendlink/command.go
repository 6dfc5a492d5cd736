package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/session"
)

func newCommandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <name> [payload]",
		Short: "Send a raw command frame to the sensor",
		Long: fmt.Sprintf(`Send one command frame to the sensor's command characteristic.

The frame is the command byte followed by the payload, given in hex.
read-stretch also accepts "on" or "off", which send the two byte stretch
toggle [enable, 0x80] the sensor expects, without a command byte.

Commands: %s
%s`, strings.Join(sensor.Commands(), ", "), deviceAddressNote),
		Example: fmt.Sprintf(`  bendlink command read-stretch on
  bendlink command sps 0a00 --address %s
  bendlink command reset`, exampleDeviceAddress),
		Args: cobra.RangeArgs(1, 2),
		RunE: runCommand,
	}
	cmd.Flags().String("address", "", "Sensor address (default from config or scan)")
	return cmd
}

// commandFrame builds the frame for name and its optional payload argument.
// read-stretch on/off is the bare stretch toggle, the same bytes the
// calibration controller writes.
func commandFrame(name string, payload string) ([]byte, error) {
	c, err := sensor.ParseCommand(name)
	if err != nil {
		return nil, err
	}
	if c == sensor.CmdReadStretch {
		switch strings.ToLower(payload) {
		case "on":
			return sensor.StretchPayload(true), nil
		case "off":
			return sensor.StretchPayload(false), nil
		}
	}
	data, err := parseHexPayload(payload)
	if err != nil {
		return nil, err
	}
	return sensor.Frame(c, data...), nil
}

// parseHexPayload decodes hex, ignoring spaces, colons, dashes and 0x prefixes.
func parseHexPayload(s string) ([]byte, error) {
	cleaned := strings.ReplaceAll(s, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "0x", "")

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func runCommand(cmd *cobra.Command, args []string) error {
	var payload string
	if len(args) == 2 {
		payload = args[1]
	}
	frame, err := commandFrame(args[0], payload)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr, err := a.resolveAddress(ctx, "")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sess := session.New(a.central, a.logger, session.Options{
		AngleService:         a.cfg.Sensor.AngleService,
		ConnectTimeout:       a.cfg.Sensor.ConnectTimeout,
		WriteWithoutResponse: a.cfg.Sensor.WriteWithoutResponse,
	}, func(e session.Event) {
		a.logger.WithField("state", e.State).Debug(e.Text)
	})
	defer func() {
		if err := sess.Teardown(); err != nil {
			a.logger.WithError(err).Warn("Session released with errors")
		}
	}()

	if err := sess.Connect(ctx, addr); err != nil {
		return err
	}
	if err := sess.ResolveServices(ctx); err != nil {
		return err
	}
	if err := sess.Write(ctx, frame); err != nil {
		return err
	}

	fmt.Fprintf(out, "Sent %s (% x) to %s\n", args[0], frame, addr)
	return nil
}
