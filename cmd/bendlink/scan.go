package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bendlink/internal/bledb"
	"github.com/srg/bendlink/internal/device"
	"github.com/srg/bendlink/internal/registry"
)

type scanOptions struct {
	duration time.Duration
	format   string
	services []string
	allow    []string
	block    []string
	all      bool
	watch    bool
}

func newScanCmd() *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for bend sensors",
		Long: `Scan for Bend Labs sensors advertising nearby.

By default only connectable peripherals named "ads_eval_kit" are listed.
Use --all to list every peripheral in range.`,
		Example: `  bendlink scan
  bendlink scan --duration 30s --format json
  bendlink scan --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config)")
	f.StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	f.StringSliceVarP(&opts.services, "services", "s", nil, "Only list peripherals advertising this service UUID")
	f.StringSliceVar(&opts.allow, "allow", nil, "Only list these addresses")
	f.StringSliceVar(&opts.block, "block", nil, "Hide these addresses")
	f.BoolVar(&opts.all, "all", false, "List every peripheral, not only sensors")
	f.BoolVarP(&opts.watch, "watch", "w", false, "Print peripherals as they appear")
	return cmd
}

func runScan(cmd *cobra.Command, opts scanOptions) error {
	if opts.format != "table" && opts.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", opts.format)
	}
	if len(opts.services) > 1 {
		return fmt.Errorf("only one --services UUID is supported, got %d", len(opts.services))
	}
	var service string
	if len(opts.services) == 1 {
		uuids, err := device.ValidateUUID(opts.services...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		service = uuids[0]
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := a.cfg.Discovery.Duration
	if opts.duration > 0 {
		duration = opts.duration
	}

	filter := a.filter()
	if opts.all {
		filter.Name = ""
		filter.AllowNonConnectable = true
	}
	if service != "" {
		filter.ServiceUUID = service
	}
	if len(opts.allow) > 0 {
		filter.AllowList = opts.allow
	}
	if len(opts.block) > 0 {
		filter.BlockList = opts.block
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	var observer func(registry.Event)
	if opts.watch {
		observer = func(e registry.Event) {
			if e.Type == registry.EventAdded {
				printWatchLine(out, e.Peripheral)
			}
		}
	}
	reg := registry.New(filter, a.logger, observer)

	var progress *ProgressPrinter
	if !opts.watch {
		progress = NewCountdownProgressPrinter(out, "Scanning for sensors", "Scanning", duration)
		progress.Start()
	}
	peripherals, err := reg.Watch(ctx, a.central, duration)
	if progress != nil {
		progress.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WithError(err).Error("scan failed")
		return err
	}

	if opts.watch {
		fmt.Fprintf(out, "%d peripheral(s) seen\n", len(peripherals))
		return nil
	}
	if opts.format == "json" {
		return writeScanJSON(out, peripherals)
	}
	return writeScanTable(out, peripherals, time.Now())
}

func printWatchLine(out io.Writer, p registry.Peripheral) {
	name := p.Name
	if name == "" {
		name = "(unknown)"
	}
	fmt.Fprintf(out, "%s  %-18s %s  %s\n",
		color.GreenString("+"), name, p.ID, rssiString(p.RSSI))
}

func rssiString(rssi int) string {
	s := fmt.Sprintf("%d dBm", rssi)
	switch {
	case rssi >= -60:
		return color.GreenString(s)
	case rssi >= -80:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

type scanEntry struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	Services    []string  `json:"services,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

func writeScanJSON(out io.Writer, peripherals []registry.Peripheral) error {
	entries := make([]scanEntry, 0, len(peripherals))
	for _, p := range peripherals {
		entries = append(entries, scanEntry{
			Name:        p.Name,
			Address:     p.ID,
			RSSI:        p.RSSI,
			Connectable: p.Connectable,
			Services:    p.Services,
			LastSeen:    p.LastSeen,
		})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func writeScanTable(out io.Writer, peripherals []registry.Peripheral, now time.Time) error {
	if len(peripherals) == 0 {
		fmt.Fprintln(out, "No sensors found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	for _, p := range peripherals {
		name := p.Name
		if name == "" {
			name = "-"
		}
		services := "-"
		if len(p.Services) > 0 {
			labels := make([]string, len(p.Services))
			for i, s := range p.Services {
				labels[i] = bledb.Label(s)
			}
			services = strings.Join(labels, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s ago\n",
			name, p.ID, p.RSSI, services, now.Sub(p.LastSeen).Round(time.Second))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d sensor(s) found\n", len(peripherals))
	return nil
}
