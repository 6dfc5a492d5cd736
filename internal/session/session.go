// Package session owns the single live connection to a sensor: dialing,
// service resolution, variant identification, the telemetry subscription
// and the shared write path.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/bledb"
	"github.com/srg/bendlink/internal/device"
	"github.com/srg/bendlink/internal/groutine"
	"github.com/srg/bendlink/internal/sensor"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DeviceInfoServiceUUID = "180a"
	ModelNumberCharUUID   = "2a24"

	DefaultConnectTimeout = 30 * time.Second
)

// Service and characteristic roles indexed during resolution.
const (
	ServiceDeviceInfo = "device-info"
	ServiceAngle      = "angle"

	CharModelNumber = "model-number"
	CharTelemetry   = "telemetry"
)

var (
	ErrInvalidState   = errors.New("invalid session state")
	ErrConnectionLost = errors.New("connection lost")
)

// State is the lifecycle position of a session.
type State int32

const (
	Disconnected State = iota
	Connecting
	ServicesResolving
	Ready
	Subscribing
	Streaming
	TearingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ServicesResolving:
		return "resolving"
	case Ready:
		return "ready"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case TearingDown:
		return "tearing-down"
	default:
		return "unknown"
	}
}

// Stream consumes telemetry notifications. Notify runs on the transport's
// callback goroutine.
type Stream interface {
	Notify(data []byte)
	Start(ctx context.Context)
	Stop()
}

// Event reports a transition or a failure. Err is set for failures.
type Event struct {
	State State
	Text  string
	Err   error
}

// Options configures a Session.
type Options struct {
	// AngleService selects the telemetry service. Empty picks the first
	// non-standard service with a notifiable characteristic.
	AngleService         string
	ConnectTimeout       time.Duration
	WriteWithoutResponse bool
}

// Session holds at most one connection. Lifecycle calls are serialized;
// Write may run concurrently with them and teardown waits for it.
type Session struct {
	dialer   device.Dialer
	logger   *logrus.Logger
	opts     Options
	observer func(Event)

	opMu    sync.Mutex
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	id       string
	client   device.Client
	services *orderedmap.OrderedMap[string, *device.Service]
	chars    *orderedmap.OrderedMap[string, *device.Characteristic]
	indicate bool
	stream   Stream
	life     context.Context
	cancel   context.CancelFunc

	variant atomic.Int32
}

// New creates a disconnected session. observer may be nil.
func New(dialer device.Dialer, logger *logrus.Logger, opts Options, observer func(Event)) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if observer == nil {
		observer = func(Event) {}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Session{
		dialer:   dialer,
		logger:   logger,
		opts:     opts,
		observer: observer,
		services: orderedmap.New[string, *device.Service](),
		chars:    orderedmap.New[string, *device.Characteristic](),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeripheralID returns the connected peripheral, or "".
func (s *Session) PeripheralID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Services returns the indexed services in resolution order.
func (s *Session) Services() []*device.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*device.Service, 0, s.services.Len())
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic returns the characteristic indexed under role.
func (s *Session) Characteristic(role string) *device.Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, _ := s.chars.Get(role)
	return c
}

// Variant returns the identified sensor variant.
func (s *Session) Variant() sensor.Variant {
	return sensor.Variant(s.variant.Load())
}

// InferVariant sets the variant when it is still unknown. Reports whether it
// was set by this call.
func (s *Session) InferVariant(v sensor.Variant) bool {
	if v == sensor.Unknown {
		return false
	}
	return s.variant.CompareAndSwap(int32(sensor.Unknown), int32(v))
}

func (s *Session) emit(state State, text string, err error) {
	s.observer(Event{State: state, Text: text, Err: err})
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start runs the full sequence: connect, resolve, identify, subscribe.
func (s *Session) Start(ctx context.Context, id string, stream Stream) error {
	if err := s.Connect(ctx, id); err != nil {
		return err
	}
	if err := s.ResolveServices(ctx); err != nil {
		return err
	}
	s.IdentifyVariant(ctx)
	return s.Subscribe(ctx, stream)
}

// Connect dials id, tearing down any previous session first.
func (s *Session) Connect(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("failed connect to device: device address is not set")
	}
	if err := s.teardownLocked(); err != nil {
		s.logger.WithField("error", err).Warn("Previous session released with errors")
	}

	s.mu.Lock()
	s.state = Connecting
	s.id = id
	s.mu.Unlock()
	s.variant.Store(int32(sensor.Unknown))
	s.emit(Connecting, fmt.Sprintf("Connecting to %s...", id), nil)
	s.logger.WithField("address", id).Info("Connecting to BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	client, err := s.dialer.Dial(dialCtx, id)
	if err != nil {
		err = device.Classify("connect", err, device.ConnectionUnavailable, device.ConnectionRefused)
		s.mu.Lock()
		s.state, s.id = Disconnected, ""
		s.mu.Unlock()
		s.emit(Disconnected, connectFailureText(err), err)
		return err
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.client = client
	s.life, s.cancel = lifeCtx, lifeCancel
	s.state = ServicesResolving
	s.mu.Unlock()

	s.monitor(lifeCtx, client)
	s.emit(ServicesResolving, "Connected", nil)
	s.logger.WithField("address", id).Info("BLE device connected")
	return nil
}

func connectFailureText(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth radio is not on."
	case errors.Is(err, device.ErrUnreachable):
		return "Device unreachable"
	default:
		return "Failed to connect to device."
	}
}

// monitor tears the session down when the link of client drops.
func (s *Session) monitor(ctx context.Context, client device.Client) {
	lost := client.Disconnected()
	if lost == nil {
		return
	}
	groutine.Go(ctx, "session-monitor", func(ctx context.Context) {
		defer s.logger.Debugf("%s: exiting", groutine.GetName(ctx))
		select {
		case <-ctx.Done():
		case <-lost:
			s.handleLost(client)
		}
	})
}

func (s *Session) handleLost(client device.Client) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	current := s.client == client && s.state != TearingDown
	s.mu.Unlock()
	if !current {
		return
	}

	s.logger.WithField("address", client.Addr()).Warn("BLE connection lost")
	_ = s.teardownLocked()
	s.emit(Disconnected, "Connection lost", ErrConnectionLost)
}

// ResolveServices runs an uncached discovery and indexes the device
// information and telemetry services.
func (s *Session) ResolveServices(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	client, state := s.client, s.state
	s.mu.Unlock()
	if client == nil || (state != ServicesResolving && state != Ready) {
		return fmt.Errorf("%w: resolve in %s", ErrInvalidState, state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return s.failLocked("resolve", device.Classify("resolve", err, device.ServiceDiscoveryFailed, device.ServiceDiscoveryFailed), "Device unreachable")
	}

	services := orderedmap.New[string, *device.Service]()
	chars := orderedmap.New[string, *device.Characteristic]()

	if info := profile.Service(DeviceInfoServiceUUID); info != nil {
		services.Set(ServiceDeviceInfo, info)
		if model := info.Characteristic(ModelNumberCharUUID); model != nil {
			chars.Set(CharModelNumber, model)
		}
	}

	angle, telemetry := s.findTelemetry(profile)
	if telemetry == nil {
		err := &device.Error{Kind: device.ServiceDiscoveryFailed, Op: "resolve", Err: errors.New("telemetry characteristic not found")}
		return s.failLocked("resolve", err, "Sensor telemetry service not found")
	}
	services.Set(ServiceAngle, angle)
	chars.Set(CharTelemetry, telemetry)

	s.mu.Lock()
	s.services = services
	s.chars = chars
	s.state = Ready
	s.mu.Unlock()

	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, svc := range profile.Services {
			s.logger.WithFields(logrus.Fields{
				"uuid": svc.UUID,
				"name": bledb.Label(svc.UUID),
			}).Debug("Service discovered")
		}
	}
	s.logger.WithFields(logrus.Fields{
		"services":  len(profile.Services),
		"angle":     angle.UUID,
		"telemetry": telemetry.UUID,
	}).Info("Services resolved")
	s.emit(Ready, fmt.Sprintf("Found %d services", len(profile.Services)), nil)
	return nil
}

func (s *Session) findTelemetry(profile *device.Profile) (*device.Service, *device.Characteristic) {
	firstNotifiable := func(svc *device.Service) *device.Characteristic {
		for _, c := range svc.Characteristics {
			if c.CanNotify() {
				return c
			}
		}
		return nil
	}

	if s.opts.AngleService != "" {
		svc := profile.Service(s.opts.AngleService)
		if svc == nil {
			return nil, nil
		}
		return svc, firstNotifiable(svc)
	}
	for _, svc := range profile.Services {
		if device.IsStandardUUID(svc.UUID) {
			continue
		}
		if c := firstNotifiable(svc); c != nil {
			return svc, c
		}
	}
	return nil, nil
}

// failLocked reports err and releases the connection. opMu must be held.
func (s *Session) failLocked(op string, err error, text string) error {
	s.logger.WithFields(logrus.Fields{
		"op":    op,
		"error": err,
	}).Error("Session operation failed")
	if terr := s.teardownLocked(); terr != nil {
		s.logger.WithField("error", terr).Warn("Session released with errors")
	}
	s.emit(Disconnected, text, err)
	return err
}

// IdentifyVariant reads the model number. An unrecognized model or a failed
// read leaves the variant to be inferred from the first notification.
func (s *Session) IdentifyVariant(ctx context.Context) sensor.Variant {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	client := s.client
	model, _ := s.chars.Get(CharModelNumber)
	s.mu.Unlock()

	if client == nil || model == nil || ctx.Err() != nil {
		return s.Variant()
	}

	raw, err := client.ReadCharacteristic(model)
	if err != nil {
		s.logger.WithField("error", err).Warn("Failed to read model number")
		return s.Variant()
	}

	name := strings.Trim(string(raw), "\x00 \r\n")
	v := sensor.ParseModel(name)
	if name == "" {
		name = "Unknown"
	}
	if v != sensor.Unknown {
		s.variant.Store(int32(v))
	}
	s.logger.WithFields(logrus.Fields{
		"model":   name,
		"variant": v,
	}).Info("Sensor identified")
	s.emit(s.State(), fmt.Sprintf("Found %s sensor.", name), nil)
	return s.Variant()
}

// Subscribe enables telemetry notifications into stream and starts it.
func (s *Session) Subscribe(ctx context.Context, stream Stream) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	client, state, life := s.client, s.state, s.life
	char, _ := s.chars.Get(CharTelemetry)
	if client == nil || char == nil || state != Ready {
		s.mu.Unlock()
		return fmt.Errorf("%w: subscribe in %s", ErrInvalidState, state)
	}
	s.state = Subscribing
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.setState(Ready)
		return err
	}

	ind := !char.Property.Has(device.PropNotify) && char.Property.Has(device.PropIndicate)
	if err := client.Subscribe(char, ind, stream.Notify); err != nil {
		err = device.Classify("subscribe", err, device.SubscriptionRejected, device.SubscriptionUnauthorized)
		s.setState(Ready)
		s.logger.WithField("error", err).Error("Failed to subscribe")
		s.emit(Ready, fmt.Sprintf("Error registering for value changes: %v", err), err)
		return err
	}

	s.mu.Lock()
	s.stream = stream
	s.indicate = ind
	s.state = Streaming
	s.mu.Unlock()

	stream.Start(life)

	s.logger.WithField("char_uuid", char.UUID).Info("Subscribed to telemetry")
	s.emit(Streaming, "Successfully subscribed for value changes", nil)
	return nil
}

// Write sends payload to the telemetry characteristic.
func (s *Session) Write(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	client, state := s.client, s.state
	char, _ := s.chars.Get(CharTelemetry)
	s.mu.Unlock()

	if client == nil || char == nil || state < Ready || state == TearingDown {
		return fmt.Errorf("%w: write in %s", ErrInvalidState, state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	noRsp := s.opts.WriteWithoutResponse && char.Property.Has(device.PropWriteNoResponse)
	if err := client.WriteCharacteristic(char, payload, noRsp); err != nil {
		err = device.Classify("write", err, device.WriteRejected, device.WriteUnauthorized)
		s.logger.WithFields(logrus.Fields{
			"payload": fmt.Sprintf("% x", payload),
			"error":   err,
		}).Warn("Write failed")
		return err
	}
	s.logger.WithField("payload", fmt.Sprintf("% x", payload)).Debug("Write completed")
	return nil
}

// Teardown stops the stream, unsubscribes and releases the connection.
// Idempotent.
func (s *Session) Teardown() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.teardownLocked()
}

func (s *Session) teardownLocked() error {
	s.mu.Lock()
	if s.client == nil {
		s.state = Disconnected
		s.mu.Unlock()
		return nil
	}

	client := s.client
	stream := s.stream
	cancel := s.cancel
	subscribed := s.state == Streaming
	ind := s.indicate
	char, _ := s.chars.Get(CharTelemetry)
	s.state = TearingDown
	s.mu.Unlock()

	s.logger.WithField("address", client.Addr()).Info("Disconnecting BLE device...")

	// in-flight writes finish before the link goes away
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if stream != nil {
		stream.Stop()
	}

	var errs []error
	if subscribed && char != nil {
		if err := client.Unsubscribe(char, ind); err != nil {
			s.logger.WithFields(logrus.Fields{
				"char_uuid": char.UUID,
				"error":     err,
			}).Warn("Failed to unsubscribe from telemetry")
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
	}
	if err := client.CancelConnection(); err != nil {
		errs = append(errs, fmt.Errorf("cancel connection: %w", err))
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.client = nil
	s.stream = nil
	s.life, s.cancel = nil, nil
	s.id = ""
	s.services = orderedmap.New[string, *device.Service]()
	s.chars = orderedmap.New[string, *device.Characteristic]()
	s.state = Disconnected
	s.mu.Unlock()
	s.variant.Store(int32(sensor.Unknown))

	err := errors.Join(errs...)
	if err != nil {
		s.logger.WithField("error", err).Warn("BLE device disconnected with errors")
	} else {
		s.logger.Info("BLE device disconnected successfully")
	}
	s.emit(Disconnected, "Disconnected", nil)
	return err
}
