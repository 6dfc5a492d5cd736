package telemetry

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/sensor"
)

// Frame is the single display refresh emitted for one drained batch.
type Frame struct {
	Variant sensor.Variant
	Batch   []sensor.Sample
	Window  []sensor.Sample
	Bounds  Bounds
	// Stretch is set when a one axis sensor reports stretch in Value2.
	Stretch bool
}

// ShowValue2 reports whether Value2 carries a reading worth displaying.
func (f Frame) ShowValue2() bool {
	return f.Variant != sensor.SingleAxis || f.Stretch
}

// Latest returns the newest sample of the batch.
func (f Frame) Latest() sensor.Sample {
	if len(f.Batch) == 0 {
		return sensor.Sample{}
	}
	return f.Batch[len(f.Batch)-1]
}

// Recorder persists samples one at a time. The data logger implements it.
// v is the session variant at the time the batch was drained.
type Recorder interface {
	Append(s sensor.Sample, v sensor.Variant) error
	Flush() error
}

// BatchSink receives each drained batch after it was charted.
type BatchSink interface {
	PublishBatch(batch []sensor.Sample, v sensor.Variant)
}

// VariantSource provides the session variant and lets the producer set it
// once from the first payload length.
type VariantSource interface {
	Variant() sensor.Variant
	InferVariant(v sensor.Variant) bool
}

// Consumer drains the ring on every tick. All of its state is presentation
// state and must only be touched from the UI loop.
type Consumer struct {
	ring     *Ring
	chart    *Chart
	variants VariantSource
	logger   *logrus.Logger

	autoScale bool
	stretch   bool
	recorder  Recorder
	sinks     []BatchSink

	onFrame   func(Frame)
	onWarning func(error)
}

// NewConsumer creates a consumer over ring that refreshes through onFrame.
func NewConsumer(ring *Ring, chart *Chart, variants VariantSource, logger *logrus.Logger, onFrame func(Frame)) *Consumer {
	return &Consumer{
		ring:     ring,
		chart:    chart,
		variants: variants,
		logger:   logger,
		onFrame:  onFrame,
	}
}

// SetAutoScale toggles min/max scaling over the window.
func (c *Consumer) SetAutoScale(enabled bool) { c.autoScale = enabled }

// AutoScale reports whether auto-scale is enabled.
func (c *Consumer) AutoScale() bool { return c.autoScale }

// SetStretch records whether the sensor reports stretch readings.
func (c *Consumer) SetStretch(enabled bool) { c.stretch = enabled }

// Stretch reports whether stretch readings are shown.
func (c *Consumer) Stretch() bool { return c.stretch }

// Reset empties the chart window.
func (c *Consumer) Reset() { c.chart.Reset() }

// SetRecorder enables logging to r, or disables it when r is nil.
// Takes effect from the next tick.
func (c *Consumer) SetRecorder(r Recorder) { c.recorder = r }

// Recording reports whether a recorder is attached.
func (c *Consumer) Recording() bool { return c.recorder != nil }

// AddSink registers an extra batch sink.
func (c *Consumer) AddSink(s BatchSink) { c.sinks = append(c.sinks, s) }

// OnWarning sets the callback for recoverable failures such as log writes.
func (c *Consumer) OnWarning(fn func(error)) { c.onWarning = fn }

// Chart returns the chart window.
func (c *Consumer) Chart() *Chart { return c.chart }

// Tick drains pending samples and emits one Frame. It is a no-op when
// nothing arrived since the previous tick.
func (c *Consumer) Tick() {
	if !c.ring.HasNew() {
		return
	}
	batch := c.ring.Drain()
	if len(batch) == 0 {
		return
	}

	variant := c.variants.Variant()
	var logErr error
	for _, s := range batch {
		c.chart.Append(s)
		if c.recorder != nil {
			if err := c.recorder.Append(s, variant); err != nil && logErr == nil {
				logErr = err
			}
		}
	}
	if c.recorder != nil && logErr == nil {
		logErr = c.recorder.Flush()
	}
	// one warning per batch at most
	if logErr != nil {
		c.warn(logErr)
	}
	for _, sink := range c.sinks {
		sink.PublishBatch(batch, variant)
	}

	bounds := FixedBounds()
	if c.autoScale {
		bounds = c.chart.AutoBounds(variant == sensor.DualAxis)
	}

	if c.onFrame != nil {
		c.onFrame(Frame{
			Variant: variant,
			Batch:   batch,
			Window:  c.chart.Points(),
			Bounds:  bounds,
			Stretch: c.stretch,
		})
	}
}

func (c *Consumer) warn(err error) {
	c.logger.WithError(err).Warn("Telemetry sink failed")
	if c.onWarning != nil {
		c.onWarning(err)
	}
}
