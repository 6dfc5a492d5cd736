package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/groutine"
	"github.com/srg/bendlink/internal/sensor"
)

// DefaultTick is the consumer period.
const DefaultTick = 25 * time.Millisecond

// Scheduler runs closures on the single UI-affine context.
type Scheduler interface {
	Post(fn func()) bool
	// TryPost queues fn only when that does not block.
	TryPost(fn func()) bool
	// Every posts fn each period until ctx is done. Ticks that find a
	// previous one still queued are skipped. Returns a channel closed on exit.
	Every(ctx context.Context, period time.Duration, fn func()) <-chan struct{}
}

// Pipeline wires the notification producer to the ring and runs the
// consumer tick on the scheduler while streaming.
type Pipeline struct {
	ring     *Ring
	consumer *Consumer
	variants VariantSource
	sched    Scheduler
	tick     time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	onVariant func(sensor.Variant)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan struct{}
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTick overrides the consumer period.
func WithTick(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithClock overrides the sample timestamp source.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// OnVariant is called on the scheduler when the variant is first inferred
// from a payload.
func OnVariant(fn func(sensor.Variant)) PipelineOption {
	return func(p *Pipeline) { p.onVariant = fn }
}

// NewPipeline creates a pipeline draining ring through consumer.
func NewPipeline(ring *Ring, consumer *Consumer, variants VariantSource, sched Scheduler, logger *logrus.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		ring:     ring,
		consumer: consumer,
		variants: variants,
		sched:    sched,
		tick:     DefaultTick,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify is the producer: called once per notification on the transport's
// goroutine. It only touches the ring. Malformed payloads are dropped.
func (p *Pipeline) Notify(data []byte) {
	known := p.variants.Variant()
	sample, variant, err := sensor.Decode(data, known, p.now())
	if err != nil {
		p.ring.metrics.addDropped(1)
		p.logger.WithField("length", len(data)).Trace("Dropped malformed telemetry payload")
		return
	}

	if known == sensor.Unknown && variant != sensor.Unknown && p.variants.InferVariant(variant) {
		p.logger.WithField("variant", variant).Info("Sensor variant inferred from payload length")
		if p.onVariant != nil {
			p.announce(variant)
		}
	}

	p.ring.Write(sample)
}

// announce hands v to onVariant on the scheduler without stalling the
// transport callback when the loop queue is full.
func (p *Pipeline) announce(v sensor.Variant) {
	fn := func() { p.onVariant(v) }
	if p.sched.TryPost(fn) {
		return
	}
	p.logger.Debug("Scheduler queue full, announcing variant asynchronously")
	groutine.Go(context.Background(), "variant-announce", func(context.Context) {
		p.sched.Post(fn)
	})
}

// Start begins ticking the consumer with an empty ring and chart. Calling
// Start while running is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.ring.Reset()
	p.sched.Post(p.consumer.Reset)
	tickCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = p.sched.Every(tickCtx, p.tick, p.consumer.Tick)
	p.logger.WithField("period", p.tick).Debug("Telemetry consumer started")
}

// Stop halts the tick, waits for the ticker goroutine to exit and discards
// samples not drained yet. A tick already posted to the scheduler still
// runs. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	p.ring.Reset()
	p.logger.Debug("Telemetry consumer stopped")
}

// Ring returns the pipeline ring.
func (p *Pipeline) Ring() *Ring { return p.ring }

// Consumer returns the pipeline consumer.
func (p *Pipeline) Consumer() *Consumer { return p.consumer }
