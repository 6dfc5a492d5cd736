package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/sensor"
)

// DefaultCountdown is the positioning delay before each reference write.
const DefaultCountdown = 5 * time.Second

var (
	ErrBusy           = errors.New("calibration in progress")
	ErrUnknownVariant = errors.New("sensor variant not identified yet")
	ErrNotSingleAxis  = errors.New("operation requires a one axis sensor")
	ErrNothingToRun   = errors.New("no calibration selected")
)

// Writer sends a payload to the sensor's command characteristic.
type Writer interface {
	Write(ctx context.Context, payload []byte) error
}

// Countdown configures the delay before each reference write.
type Countdown struct {
	Enabled  bool
	Duration time.Duration
}

// Seconds returns the whole seconds counted down.
func (c Countdown) Seconds() int {
	return int(c.Duration / time.Second)
}

// StatusFunc receives one line per write result. err is nil on success.
type StatusFunc func(text string, err error)

// Controller owns both sequences and issues their writes. Operations that
// write are exclusive: while one runs, the others return ErrBusy.
type Controller struct {
	writer Writer
	logger *logrus.Logger

	op   sync.Mutex
	busy atomic.Bool

	mu        sync.Mutex
	variant   sensor.Variant
	stretch   bool
	countdown Countdown
	one       OneAxis
	two       TwoAxis

	onStatus  StatusFunc
	onTick    func(remaining int)
	onStretch func(enabled bool)
	wait      func(ctx context.Context, d time.Duration) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithStatus sets the write result observer.
func WithStatus(fn StatusFunc) Option {
	return func(c *Controller) { c.onStatus = fn }
}

// WithCountdownTick is called once per second of countdown with the seconds left.
func WithCountdownTick(fn func(remaining int)) Option {
	return func(c *Controller) { c.onTick = fn }
}

// WithStretchChange is called after the sensor accepted a stretch mode write.
func WithStretchChange(fn func(enabled bool)) Option {
	return func(c *Controller) { c.onStretch = fn }
}

// WithWait replaces the countdown sleep.
func WithWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.wait = fn }
}

// NewController creates a controller writing through w.
func NewController(w Writer, logger *logrus.Logger, opts ...Option) *Controller {
	c := &Controller{
		writer:    w,
		logger:    logger,
		countdown: Countdown{Enabled: true, Duration: DefaultCountdown},
		onStatus:  func(string, error) {},
		onTick:    func(int) {},
		onStretch: func(bool) {},
		wait:      sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetVariant selects which sequence Advance drives.
func (c *Controller) SetVariant(v sensor.Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variant = v
}

// SetCountdown configures the positioning delay.
func (c *Controller) SetCountdown(cd Countdown) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countdown = cd
}

// Busy reports whether a write or countdown is running.
func (c *Controller) Busy() bool { return c.busy.Load() }

// StretchEnabled reports whether stretch readings were enabled on the sensor.
func (c *Controller) StretchEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stretch
}

// OneAxisState returns the active one-axis type, step and queued phases.
func (c *Controller) OneAxisState() (Type, int, []Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.one.Active(), c.one.Step(), c.one.Pending()
}

// TwoAxisStep returns the current dual-axis step.
func (c *Controller) TwoAxisStep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.two.Step()
}

// Instructions returns the guidance for the current step of the active sequence.
func (c *Controller) Instructions() Instruction {
	c.mu.Lock()
	defer c.mu.Unlock()

	secs := c.countdown.Seconds()
	switch c.variant {
	case sensor.SingleAxis:
		return oneAxisInstruction(&c.one, c.countdown.Enabled, secs)
	case sensor.DualAxis:
		return twoAxisInstruction(&c.two, c.countdown.Enabled, secs)
	}
	return Instruction{Header: "Calibrate", Text: "Waiting for the sensor to be identified."}
}

func (c *Controller) acquire() error {
	if !c.op.TryLock() {
		return ErrBusy
	}
	c.busy.Store(true)
	return nil
}

func (c *Controller) release() {
	c.busy.Store(false)
	c.op.Unlock()
}

// Begin starts a one-axis calibration at step 0. Starting stretch turns
// stretch readings on first when they are off.
func (c *Controller) Begin(ctx context.Context, t Type) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	variant, stretch := c.variant, c.stretch
	c.mu.Unlock()

	if variant != sensor.SingleAxis {
		return ErrNotSingleAxis
	}
	if t == Stretch && !stretch {
		if err := c.setStretch(ctx, true); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.one.Begin(t)
	c.mu.Unlock()

	c.logger.WithField("type", t).Debug("Calibration started")
	return nil
}

// Advance runs the current step: counts down and writes when the step has a
// reference write, then moves on. A failed write leaves the step unchanged
// so it can be retried. On a one-axis sensor with nothing active, Advance
// begins the first queued phase.
func (c *Controller) Advance(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	variant := c.variant
	countdown := c.countdown
	var (
		action  Action
		writes  bool
		startup Type
	)
	switch variant {
	case sensor.SingleAxis:
		if c.one.Active() == None {
			pending := c.one.Pending()
			if len(pending) == 0 {
				c.mu.Unlock()
				return ErrNothingToRun
			}
			startup = pending[0]
		} else {
			action, writes = c.one.Action()
		}
	case sensor.DualAxis:
		action, writes = c.two.Action()
	default:
		c.mu.Unlock()
		return ErrUnknownVariant
	}
	stretch := c.stretch
	c.mu.Unlock()

	if startup != None {
		if startup == Stretch && !stretch {
			if err := c.setStretch(ctx, true); err != nil {
				return err
			}
		}
		c.mu.Lock()
		c.one.Begin(startup)
		c.mu.Unlock()
		return nil
	}

	if writes {
		if countdown.Enabled {
			if err := c.count(ctx, countdown.Seconds()); err != nil {
				return err
			}
		}
		if err := c.write(ctx, action.Label, sensor.CalibrationPayload(action.Step)); err != nil {
			return err
		}
	}

	c.mu.Lock()
	var intoStretch bool
	if variant == sensor.SingleAxis {
		prev := c.one.Active()
		c.one.Next()
		intoStretch = prev != Stretch && c.one.Active() == Stretch
	} else {
		c.two.Next()
	}
	c.mu.Unlock()

	// entering a chained stretch phase turns stretch readings on
	if intoStretch {
		return c.setStretch(ctx, true)
	}
	return nil
}

func (c *Controller) count(ctx context.Context, seconds int) error {
	for remaining := seconds; remaining > 0; remaining-- {
		c.onTick(remaining)
		if err := c.wait(ctx, time.Second); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) write(ctx context.Context, label string, payload []byte) error {
	err := c.writer.Write(ctx, payload)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"step":  label,
			"error": err,
		}).Warn("Calibration write failed")
		c.onStatus(fmt.Sprintf("%s calibration result: %v", label, err), err)
		return err
	}
	c.logger.WithField("step", label).Info("Calibration step written")
	c.onStatus(fmt.Sprintf("%s calibration result: success", label), nil)
	return nil
}

// Clear erases the sensor calibration and resets both sequences. On a one
// axis sensor with stretch enabled, bend and stretch are queued so both get
// redone.
func (c *Controller) Clear(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	err := c.write(ctx, "Clear", sensor.CalibrationPayload(sensor.StepClear))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.one.Reset()
	c.two.Reset()
	if c.variant == sensor.SingleAxis && c.stretch {
		c.one.Arm(Bend, Stretch)
	}
	return err
}

// SetStretch turns simultaneous stretch readings on or off.
func (c *Controller) SetStretch(ctx context.Context, enable bool) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	return c.setStretch(ctx, enable)
}

func (c *Controller) setStretch(ctx context.Context, enable bool) error {
	if err := c.writer.Write(ctx, sensor.StretchPayload(enable)); err != nil {
		c.onStatus(fmt.Sprintf("Stretch mode change failed: %v", err), err)
		return err
	}

	c.mu.Lock()
	c.stretch = enable
	c.mu.Unlock()
	c.onStretch(enable)

	if enable {
		c.onStatus("Stretch mode enabled", nil)
	} else {
		c.onStatus("Stretch mode disabled", nil)
	}
	return nil
}
