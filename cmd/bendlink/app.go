package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bendlink/internal/calibration"
	"github.com/srg/bendlink/internal/datalog"
	"github.com/srg/bendlink/internal/device"
	goble "github.com/srg/bendlink/internal/device/go-ble"
	"github.com/srg/bendlink/internal/publish"
	"github.com/srg/bendlink/internal/registry"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/session"
	"github.com/srg/bendlink/internal/telemetry"
	"github.com/srg/bendlink/internal/ui"
	"github.com/srg/bendlink/pkg/config"
)

// centralFactory opens the local BLE adapter. Tests replace it.
var centralFactory = func(logger *logrus.Logger) (device.Central, error) {
	c, err := goble.NewCentral(logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// mqttClientFactory builds the broker client. Tests replace it.
var mqttClientFactory = func(opts publish.Options) publish.Client {
	return publish.NewClient(opts)
}

// variantWait bounds how long commands that need the variant wait for it.
const variantWait = 5 * time.Second

// app is the per-invocation wiring shared by all commands.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central device.Central
	out     io.Writer
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Sensor.Address = addr
	}

	central, err := centralFactory(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	return &app{cfg: cfg, logger: logger, central: central, out: cmd.OutOrStdout()}, nil
}

// Close releases the adapter.
func (a *app) Close() {
	if s, ok := a.central.(interface{ Stop() error }); ok {
		if err := s.Stop(); err != nil {
			a.logger.WithError(err).Debug("Failed to stop BLE adapter")
		}
	}
}

func (a *app) filter() registry.Filter {
	d := a.cfg.Discovery
	return registry.Filter{
		Name:                d.Name,
		ServiceUUID:         d.ServiceUUID,
		AllowNonConnectable: d.AllowNonConnectable,
		AllowList:           d.AllowList,
		BlockList:           d.BlockList,
	}
}

// resolveAddress returns addr, the configured address, or the first sensor
// a scan turns up.
func (a *app) resolveAddress(ctx context.Context, addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	if a.cfg.Sensor.Address != "" {
		return a.cfg.Sensor.Address, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan string, 1)
	reg := registry.New(a.filter(), a.logger, func(e registry.Event) {
		if e.Type != registry.EventAdded {
			return
		}
		select {
		case found <- e.Peripheral.ID:
			cancel()
		default:
		}
	})

	progress := NewCountdownProgressPrinter(a.out, "Looking for a sensor", "Scanning", a.cfg.Discovery.Duration)
	progress.Start()
	_, err := reg.Watch(scanCtx, a.central, a.cfg.Discovery.Duration)
	progress.Stop()

	select {
	case id := <-found:
		fmt.Fprintf(a.out, "Using sensor %s\n", id)
		return id, nil
	default:
	}
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", ErrNoSensor
}

// streamOptions are per-command overrides of the config file.
type streamOptions struct {
	logData   bool
	prefix    string
	rotation  int
	autoScale bool
	stretch   bool
	mqtt      bool
}

func bindStreamFlags(cmd *cobra.Command, o *streamOptions) {
	f := cmd.Flags()
	f.BoolVar(&o.logData, "log", false, "Record readings to CSV files")
	f.StringVar(&o.prefix, "prefix", "", "Log file name prefix")
	f.IntVar(&o.rotation, "rotation", 0, "Minutes per log file (1-60)")
	f.BoolVar(&o.autoScale, "auto-scale", false, "Fit the chart range to the data")
	f.BoolVar(&o.stretch, "stretch", false, "Enable stretch readings on a one axis sensor")
	f.BoolVar(&o.mqtt, "mqtt", false, "Publish readings to the configured MQTT broker")
}

func (a *app) applyStreamOptions(cmd *cobra.Command, o streamOptions) {
	f := cmd.Flags()
	if f.Changed("log") {
		a.cfg.DataLog.Enabled = o.logData
	}
	if f.Changed("prefix") {
		a.cfg.DataLog.Prefix = o.prefix
	}
	if f.Changed("rotation") {
		a.cfg.DataLog.RotationMinutes = o.rotation
	}
	if f.Changed("auto-scale") {
		a.cfg.Telemetry.AutoScale = o.autoScale
	}
	if f.Changed("stretch") {
		a.cfg.Sensor.Stretch = o.stretch
	}
	if f.Changed("mqtt") {
		a.cfg.MQTT.Enabled = o.mqtt
	}
}

// stream is one live sensor connection with its ingestion pipeline,
// presentation loop, recorder, calibration and optional publisher.
type stream struct {
	app       *app
	loop      *ui.Loop
	presenter *ui.Presenter
	session   *session.Session
	pipeline  *telemetry.Pipeline
	consumer  *telemetry.Consumer
	datalog   *datalog.Logger
	calib     *calibration.Controller
	publisher *publish.Publisher

	lost     chan struct{}
	lostOnce sync.Once
}

func (a *app) newStream(ctx context.Context, view ui.View) *stream {
	s := &stream{app: a, lost: make(chan struct{})}

	s.loop = ui.NewLoop(a.logger, ui.DefaultQueueDepth)
	s.loop.Start(ctx)
	s.presenter = ui.NewPresenter(s.loop, view)

	s.session = session.New(a.central, a.logger, session.Options{
		AngleService:         a.cfg.Sensor.AngleService,
		ConnectTimeout:       a.cfg.Sensor.ConnectTimeout,
		WriteWithoutResponse: a.cfg.Sensor.WriteWithoutResponse,
	}, s.onSessionEvent)

	ring := telemetry.NewRing(a.cfg.Telemetry.RingCapacity)
	chart := telemetry.NewChart(a.cfg.Telemetry.ChartWindow)
	s.consumer = telemetry.NewConsumer(ring, chart, s.session, a.logger, s.presenter.Render)
	s.consumer.SetAutoScale(a.cfg.Telemetry.AutoScale)
	s.consumer.OnWarning(func(err error) {
		s.presenter.Status(ui.Warnf("Log write failed: %s", FormatUserError(err)))
	})

	s.datalog = datalog.New(a.logger, a.cfg.DataLog.Dir)

	s.calib = calibration.NewController(s.session, a.logger,
		calibration.WithStatus(func(text string, err error) {
			if err != nil {
				s.presenter.Status(ui.Errorf("%s", text))
				return
			}
			s.presenter.Status(ui.Infof("%s", text))
		}),
		calibration.WithCountdownTick(func(remaining int) {
			s.presenter.Status(ui.Infof("%d...", remaining))
		}),
		calibration.WithStretchChange(func(enabled bool) {
			s.loop.Post(func() { s.consumer.SetStretch(enabled) })
		}),
	)
	s.calib.SetCountdown(calibration.Countdown{
		Enabled:  a.cfg.Calibration.Countdown,
		Duration: a.cfg.Calibration.CountdownDuration,
	})

	s.pipeline = telemetry.NewPipeline(ring, s.consumer, s.session, s.loop, a.logger,
		telemetry.WithTick(a.cfg.Telemetry.Tick),
		telemetry.OnVariant(s.onVariant),
	)
	return s
}

func (s *stream) onSessionEvent(e session.Event) {
	switch {
	case errors.Is(e.Err, session.ErrConnectionLost):
		s.presenter.Status(ui.Errorf("%s", e.Text))
		s.lostOnce.Do(func() { close(s.lost) })
	case e.Err != nil:
		s.presenter.Status(ui.Errorf("%s", e.Text))
	default:
		s.presenter.Status(ui.Infof("%s", e.Text))
	}
}

func (s *stream) onVariant(v sensor.Variant) {
	s.calib.SetVariant(v)
	s.datalog.SetVariant(v)
	s.presenter.Variant(v)
}

// Start connects to addr and begins streaming, then brings up the recorder
// and the publisher when they are enabled.
func (s *stream) Start(ctx context.Context, addr string) error {
	if err := s.session.Start(ctx, addr, s.pipeline); err != nil {
		return err
	}
	if v := s.session.Variant(); v != sensor.Unknown {
		s.onVariant(v)
	}

	cfg := s.app.cfg
	if cfg.Sensor.Stretch {
		if err := s.enableStretch(ctx); err != nil {
			s.presenter.Status(ui.Warnf("Stretch readings unavailable: %s", FormatUserError(err)))
		}
	}
	if cfg.DataLog.Enabled {
		if err := s.StartLogging(); err != nil {
			s.presenter.Status(ui.Warnf("Data logging unavailable: %s", FormatUserError(err)))
		}
	}
	if cfg.MQTT.Enabled {
		if err := s.startPublisher(ctx); err != nil {
			s.presenter.Status(ui.Warnf("MQTT publishing unavailable: %v", err))
		}
	}
	return nil
}

// enableStretch turns stretch readings on once the sensor is known to be a
// one axis sensor.
func (s *stream) enableStretch(ctx context.Context) error {
	v, err := s.waitVariant(ctx, variantWait)
	if err != nil {
		return err
	}
	if v != sensor.SingleAxis {
		return calibration.ErrNotSingleAxis
	}
	return s.calib.SetStretch(ctx, true)
}

func (s *stream) startPublisher(ctx context.Context) error {
	m := s.app.cfg.MQTT
	opts := publish.Options{
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Topic:    m.Topic,
		QoS:      byte(m.QoS),
		Retained: m.Retained,
		Timeout:  m.Timeout,
	}
	pub := publish.New(mqttClientFactory(opts), opts, s.app.logger)
	if err := pub.Connect(ctx); err != nil {
		return err
	}
	s.publisher = pub
	s.loop.Post(func() { s.consumer.AddSink(pub) })
	s.presenter.Status(ui.Infof("Publishing to %s on %s", m.Topic, m.Broker))
	return nil
}

// StartLogging opens the recorder and attaches it to the consumer.
func (s *stream) StartLogging() error {
	cfg := s.app.cfg.DataLog
	if err := s.datalog.Start(cfg.Prefix, cfg.RotationMinutes, s.session.Variant()); err != nil {
		return err
	}
	s.loop.Post(func() { s.consumer.SetRecorder(s.datalog) })
	s.presenter.Status(ui.Infof("Logging to %s", s.datalog.Dir()))
	return nil
}

// StopLogging detaches the recorder on the loop, then closes the file.
func (s *stream) StopLogging(ctx context.Context) error {
	if err := s.loop.Call(ctx, func() { s.consumer.SetRecorder(nil) }); err != nil {
		return err
	}
	if err := s.datalog.Stop(); err != nil {
		return err
	}
	s.presenter.Status(ui.Infof("Logging stopped"))
	return nil
}

// ToggleLogging flips the recorder on or off.
func (s *stream) ToggleLogging(ctx context.Context) {
	var err error
	if s.datalog.Enabled() {
		err = s.StopLogging(ctx)
	} else {
		err = s.StartLogging()
	}
	if err != nil {
		s.presenter.Status(ui.Errorf("%s", FormatUserError(err)))
	}
}

// ToggleAutoScale flips the chart range mode on the loop.
func (s *stream) ToggleAutoScale() {
	s.loop.Post(func() {
		s.consumer.SetAutoScale(!s.consumer.AutoScale())
	})
}

// CalibrateNext runs the next calibration step for the connected variant
// and reports the guidance for the step after it. An idle one-axis sensor
// starts with bend.
func (s *stream) CalibrateNext(ctx context.Context) {
	var err error
	if t, _, pending := s.calib.OneAxisState(); s.session.Variant() == sensor.SingleAxis && t == calibration.None && len(pending) == 0 {
		err = s.calib.Begin(ctx, calibration.Bend)
	} else {
		err = s.calib.Advance(ctx)
	}
	if err != nil {
		s.reportCalibration(err)
		return
	}
	in := s.calib.Instructions()
	s.presenter.Status(ui.Infof("%s: %s", in.Header, in.Text))
}

// ClearCalibration restores the factory calibration.
func (s *stream) ClearCalibration(ctx context.Context) {
	s.reportCalibration(s.calib.Clear(ctx))
}

// ToggleStretch flips stretch readings on a one-axis sensor.
func (s *stream) ToggleStretch(ctx context.Context) {
	if s.session.Variant() != sensor.SingleAxis {
		s.reportCalibration(calibration.ErrNotSingleAxis)
		return
	}
	enable := !s.calib.StretchEnabled()
	s.reportCalibration(s.calib.SetStretch(ctx, enable))
}

// reportCalibration shows controller refusals. Write failures were already
// reported by the controller's status callback.
func (s *stream) reportCalibration(err error) {
	switch {
	case errors.Is(err, calibration.ErrBusy),
		errors.Is(err, calibration.ErrUnknownVariant),
		errors.Is(err, calibration.ErrNotSingleAxis),
		errors.Is(err, calibration.ErrNothingToRun):
		s.presenter.Status(ui.Warnf("%s", FormatUserError(err)))
	}
}

// Lost is closed when the connection drops.
func (s *stream) Lost() <-chan struct{} { return s.lost }

// Close tears everything down in reverse order of Start.
func (s *stream) Close() {
	if err := s.session.Teardown(); err != nil {
		s.app.logger.WithError(err).Warn("Session released with errors")
	}
	if err := s.datalog.Stop(); err != nil {
		s.app.logger.WithError(err).Warn("Failed to close data log")
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	s.loop.Close()
}

// waitVariant blocks until the sensor variant is known.
func (s *stream) waitVariant(ctx context.Context, timeout time.Duration) (sensor.Variant, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if v := s.session.Variant(); v != sensor.Unknown {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return sensor.Unknown, ctx.Err()
		case <-s.lost:
			return sensor.Unknown, session.ErrConnectionLost
		case <-deadline.C:
			return sensor.Unknown, ErrVariantUnknown
		case <-ticker.C:
		}
	}
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
