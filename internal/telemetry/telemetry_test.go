package telemetry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func sample(v float32) sensor.Sample {
	return sensor.Sample{Value1: v, Value2: -v}
}

func values(samples []sensor.Sample) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s.Value1
	}
	return out
}

func seq(from, to int) []float32 {
	out := make([]float32, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, float32(i))
	}
	return out
}

func TestRing(t *testing.T) {
	t.Run("drain returns N samples in order", func(t *testing.T) {
		// GOAL: Verify N <= capacity writes drain back in write order
		//
		// TEST SCENARIO: Write 250 samples → drain → exactly 250 in original order

		r := telemetry.NewRing(telemetry.DefaultCapacity)
		for i := 0; i < 250; i++ {
			r.Write(sample(float32(i)))
		}

		got := r.Drain()
		assert.Equal(t, seq(0, 250), values(got), "MUST drain every sample in arrival order")
		assert.False(t, r.HasNew(), "drain MUST reset the new-data flag")
		assert.Nil(t, r.Drain(), "second drain MUST be empty")
	})

	t.Run("overflow keeps the newest capacity samples", func(t *testing.T) {
		// GOAL: Verify overwrite-oldest on overflow
		//
		// TEST SCENARIO: Write capacity+K samples → drain → only the newest capacity samples remain, in order

		const k = 75
		r := telemetry.NewRing(telemetry.DefaultCapacity)
		for i := 0; i < telemetry.DefaultCapacity+k; i++ {
			r.Write(sample(float32(i)))
		}

		got := r.Drain()
		assert.Equal(t, seq(k, telemetry.DefaultCapacity+k), values(got), "oldest K samples MUST be lost")
		assert.Equal(t, int64(k), r.GetMetrics().Overwritten)
		assert.Equal(t, int64(telemetry.DefaultCapacity+k), r.GetMetrics().Written)
	})

	t.Run("wraparound across drains", func(t *testing.T) {
		r := telemetry.NewRing(4)
		for i := 0; i < 3; i++ {
			r.Write(sample(float32(i)))
		}
		assert.Equal(t, seq(0, 3), values(r.Drain()))

		for i := 3; i < 9; i++ {
			r.Write(sample(float32(i)))
		}
		assert.Equal(t, 4, r.Pending())
		assert.Equal(t, seq(5, 9), values(r.Drain()), "MUST read across the wrap point")
	})

	t.Run("concurrent producer and consumer", func(t *testing.T) {
		r := telemetry.NewRing(telemetry.DefaultCapacity)
		const total = 5000

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total; i++ {
				r.Write(sample(float32(i)))
			}
		}()

		var got []float32
		for len(got) == 0 || got[len(got)-1] != total-1 {
			got = append(got, values(r.Drain())...)
		}
		wg.Wait()

		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "samples MUST stay in strict arrival order")
		}
		m := r.GetMetrics()
		assert.Equal(t, int64(total), m.Drained+m.Overwritten, "every sample MUST be drained or overwritten")
	})

	t.Run("invalid capacity panics", func(t *testing.T) {
		assert.Panics(t, func() { telemetry.NewRing(0) })
	})
}

func TestChart(t *testing.T) {
	t.Run("window evicts oldest", func(t *testing.T) {
		c := telemetry.NewChart(telemetry.DefaultWindow)
		for i := 0; i < 350; i++ {
			c.Append(sample(float32(i)))
			require.LessOrEqual(t, c.Len(), telemetry.DefaultWindow, "window MUST never exceed its size")
		}
		assert.Equal(t, seq(50, 350), values(c.Points()))
	})

	t.Run("auto bounds", func(t *testing.T) {
		c := telemetry.NewChart(10)
		c.Append(sensor.Sample{Value1: -30, Value2: 100})
		c.Append(sensor.Sample{Value1: 45, Value2: 2})

		assert.Equal(t, telemetry.Bounds{Min: -30, Max: 45}, c.AutoBounds(false), "stretch MUST NOT widen single-axis bounds")
		assert.Equal(t, telemetry.Bounds{Min: -30, Max: 100}, c.AutoBounds(true))
	})

	t.Run("auto bounds keep a minimum span", func(t *testing.T) {
		c := telemetry.NewChart(10)
		c.Append(sensor.Sample{Value1: 20})
		c.Append(sensor.Sample{Value1: 22})

		assert.Equal(t, telemetry.Bounds{Min: 16, Max: 26}, c.AutoBounds(false))
		assert.Equal(t, telemetry.Bounds{Min: -5, Max: 5}, telemetry.NewChart(1).AutoBounds(true))
	})

	t.Run("reset", func(t *testing.T) {
		c := telemetry.NewChart(3)
		c.Append(sample(1))
		c.Reset()
		assert.Zero(t, c.Len())
	})
}

// manualScheduler runs posted closures inline and lets the test drive ticks.
// With full set, TryPost refuses and Post waits for gate to close.
type manualScheduler struct {
	mu    sync.Mutex
	tick  func()
	posts int
	full  bool
	gate  chan struct{}
}

func (s *manualScheduler) Post(fn func()) bool {
	s.mu.Lock()
	s.posts++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	fn()
	return true
}

func (s *manualScheduler) TryPost(fn func()) bool {
	s.mu.Lock()
	full := s.full
	s.mu.Unlock()
	if full {
		return false
	}
	return s.Post(fn)
}

func (s *manualScheduler) Every(ctx context.Context, _ time.Duration, fn func()) <-chan struct{} {
	s.mu.Lock()
	s.tick = fn
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.tick = nil
		s.mu.Unlock()
		close(done)
	}()
	return done
}

func (s *manualScheduler) Tick() bool {
	s.mu.Lock()
	fn := s.tick
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

type variantBox struct {
	v atomic.Int32
}

func (b *variantBox) Variant() sensor.Variant { return sensor.Variant(b.v.Load()) }
func (b *variantBox) InferVariant(v sensor.Variant) bool {
	return b.v.CompareAndSwap(int32(sensor.Unknown), int32(v))
}

type memRecorder struct {
	rows     []sensor.Sample
	variants []sensor.Variant
	flushes  int
	failOn   int // Append call index that fails, 0 for never
	calls    int
}

func (m *memRecorder) Append(s sensor.Sample, v sensor.Variant) error {
	m.calls++
	if m.failOn != 0 && m.calls == m.failOn {
		return errors.New("file locked")
	}
	m.rows = append(m.rows, s)
	m.variants = append(m.variants, v)
	return nil
}

func (m *memRecorder) Flush() error {
	m.flushes++
	return nil
}

type memSink struct {
	batches [][]sensor.Sample
	variant sensor.Variant
}

func (m *memSink) PublishBatch(batch []sensor.Sample, v sensor.Variant) {
	m.batches = append(m.batches, batch)
	m.variant = v
}

type PipelineTestSuite struct {
	suite.Suite
	sched    *manualScheduler
	variants *variantBox
	frames   []telemetry.Frame
	inferred []sensor.Variant
	pipeline *telemetry.Pipeline
	consumer *telemetry.Consumer
}

func (s *PipelineTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.sched = &manualScheduler{}
	s.variants = &variantBox{}
	s.frames = nil
	s.inferred = nil

	ring := telemetry.NewRing(telemetry.DefaultCapacity)
	s.consumer = telemetry.NewConsumer(ring, telemetry.NewChart(telemetry.DefaultWindow), s.variants, logger,
		func(f telemetry.Frame) { s.frames = append(s.frames, f) })
	s.pipeline = telemetry.NewPipeline(ring, s.consumer, s.variants, s.sched, logger,
		telemetry.OnVariant(func(v sensor.Variant) { s.inferred = append(s.inferred, v) }))
	s.pipeline.Start(context.Background())
}

func (s *PipelineTestSuite) reset() {
	s.pipeline.Stop()
	s.SetupTest()
}

func (s *PipelineTestSuite) TearDownTest() {
	s.pipeline.Stop()
}

func (s *PipelineTestSuite) TestTickWithoutDataIsNoop() {
	// GOAL: Verify an idle tick emits nothing
	//
	// TEST SCENARIO: Tick with an empty ring → no frame

	s.Require().True(s.sched.Tick())
	s.Assert().Empty(s.frames, "idle tick MUST NOT refresh the view")
}

func (s *PipelineTestSuite) TestBatchEmitsOneFrame() {
	// GOAL: Verify a burst of notifications produces a single refresh
	//
	// TEST SCENARIO: 5 notifications → one tick → one frame holding all 5 in order

	s.variants.v.Store(int32(sensor.DualAxis))
	for i := 0; i < 5; i++ {
		s.pipeline.Notify(sensor.Encode(float32(i), 0))
	}
	s.sched.Tick()

	s.Require().Len(s.frames, 1, "MUST emit exactly one frame per batch")
	f := s.frames[0]
	s.Assert().Equal(seq(0, 5), values(f.Batch))
	s.Assert().Len(f.Window, 5)
	s.Assert().Equal(float32(4), f.Latest().Value1)
	s.Assert().Equal(telemetry.FixedBounds(), f.Bounds, "auto-scale off MUST use fixed bounds")
}

func (s *PipelineTestSuite) TestMalformedPayloadIsDropped() {
	// GOAL: Verify malformed frames leave the ring untouched
	//
	// TEST SCENARIO: Notify 6 bytes → ring has no new data, variant unchanged, drop counted

	s.pipeline.Notify(make([]byte, 6))

	s.Assert().False(s.pipeline.Ring().HasNew(), "malformed payload MUST NOT set the new-data flag")
	s.Assert().Zero(s.pipeline.Ring().Pending())
	s.Assert().Equal(sensor.Unknown, s.variants.Variant())
	s.Assert().Equal(int64(1), s.pipeline.Ring().GetMetrics().Dropped)
}

func (s *PipelineTestSuite) TestVariantInference() {
	s.Run("4 bytes sets single axis once", func() {
		s.reset()
		s.pipeline.Notify(make([]byte, 4))
		s.pipeline.Notify(make([]byte, 8))

		s.Assert().Equal(sensor.SingleAxis, s.variants.Variant(), "later lengths MUST NOT change the variant")
		s.Assert().Equal([]sensor.Variant{sensor.SingleAxis}, s.inferred, "inference MUST be announced once")
		s.Assert().Equal(2, s.pipeline.Ring().Pending())
	})

	s.Run("8 bytes sets dual axis", func() {
		s.reset()
		s.pipeline.Notify(make([]byte, 8))
		s.pipeline.Notify(make([]byte, 4))

		s.Assert().Equal(sensor.DualAxis, s.variants.Variant())
		s.Assert().Equal([]sensor.Variant{sensor.DualAxis}, s.inferred)
	})

	s.Run("known variant is kept", func() {
		s.reset()
		s.variants.v.Store(int32(sensor.SingleAxis))
		s.pipeline.Notify(make([]byte, 8))

		s.Assert().Equal(sensor.SingleAxis, s.variants.Variant())
		s.Assert().Empty(s.inferred)
	})
}

func (s *PipelineTestSuite) TestRecorderAndSinks() {
	// GOAL: Verify each drained sample reaches the recorder and the batch reaches sinks
	//
	// TEST SCENARIO: Attach recorder failing on the 2nd append and a sink → tick → one warning, other rows kept

	rec := &memRecorder{failOn: 2}
	sink := &memSink{}
	var warnings []error
	s.consumer.SetRecorder(rec)
	s.consumer.AddSink(sink)
	s.consumer.OnWarning(func(err error) { warnings = append(warnings, err) })
	s.variants.v.Store(int32(sensor.SingleAxis))

	for i := 0; i < 3; i++ {
		s.pipeline.Notify(sensor.Encode(float32(i), 1))
	}
	s.sched.Tick()

	s.Assert().Equal([]float32{0, 2}, values(rec.rows), "ingestion MUST continue after a log failure")
	s.Assert().Len(warnings, 1, "MUST warn once for the failing batch")
	s.Require().Len(sink.batches, 1)
	s.Assert().Len(sink.batches[0], 3)
	s.Assert().Equal(sensor.SingleAxis, sink.variant)

	s.consumer.SetRecorder(nil)
	s.pipeline.Notify(sensor.Encode(9, 1))
	s.sched.Tick()
	s.Assert().Len(rec.rows, 2, "detached recorder MUST NOT receive samples")
	s.Assert().False(s.consumer.Recording())
}

// announcingPipeline restarts the pipeline with a variant callback that
// reports on the returned channel.
func (s *PipelineTestSuite) announcingPipeline() <-chan sensor.Variant {
	announced := make(chan sensor.Variant, 1)
	s.pipeline.Stop()
	s.pipeline = telemetry.NewPipeline(s.pipeline.Ring(), s.consumer, s.variants, s.sched, logrus.New(),
		telemetry.OnVariant(func(v sensor.Variant) { announced <- v }))
	s.pipeline.Start(context.Background())
	return announced
}

// congest makes TryPost refuse and Post wait until release is called.
func (s *PipelineTestSuite) congest() (release func()) {
	gate := make(chan struct{})
	s.sched.mu.Lock()
	s.sched.full = true
	s.sched.gate = gate
	s.sched.mu.Unlock()
	return func() { close(gate) }
}

func (s *PipelineTestSuite) TestRecorderGetsInferredVariant() {
	// GOAL: Verify the recorder sees the variant decoded with the first sample even before the announcement ran
	//
	// TEST SCENARIO: Scheduler congested → 4-byte notification → tick → recorder row tagged SingleAxis → release → announced

	announced := s.announcingPipeline()
	release := s.congest()

	rec := &memRecorder{}
	s.consumer.SetRecorder(rec)
	s.pipeline.Notify(make([]byte, 4))
	s.sched.Tick()

	s.Require().Len(rec.rows, 1)
	s.Assert().Equal([]sensor.Variant{sensor.SingleAxis}, rec.variants, "recorder MUST get the inferred variant")
	s.Assert().Len(announced, 0, "announcement is still waiting for the scheduler")

	release()
	select {
	case v := <-announced:
		s.Assert().Equal(sensor.SingleAxis, v)
	case <-time.After(time.Second):
		s.FailNow("announcement MUST still be delivered")
	}
}

func (s *PipelineTestSuite) TestNotifyDoesNotBlockOnFullScheduler() {
	// GOAL: Verify the notification callback never waits on a congested scheduler
	//
	// TEST SCENARIO: TryPost refuses and Post blocks → first payload returns at once → release → variant announced

	announced := s.announcingPipeline()
	release := s.congest()

	returned := make(chan struct{})
	go func() {
		s.pipeline.Notify(sensor.Encode(1, 2))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		s.FailNow("Notify MUST NOT block on the scheduler")
	}
	s.Assert().Equal(1, s.pipeline.Ring().Pending(), "sample MUST reach the ring")

	release()
	select {
	case v := <-announced:
		s.Assert().Equal(sensor.DualAxis, v)
	case <-time.After(time.Second):
		s.FailNow("variant MUST be announced once the scheduler has room")
	}
}

func (s *PipelineTestSuite) TestStopAndStartClearState() {
	// GOAL: Verify samples of a previous connection never reach the first frame of the next one
	//
	// TEST SCENARIO: Chart holds points, ring holds undrained samples → stop → start → next frame only has new samples

	s.variants.v.Store(int32(sensor.DualAxis))
	s.pipeline.Notify(sensor.Encode(1, 1))
	s.sched.Tick()
	s.pipeline.Notify(sensor.Encode(2, 2))

	s.pipeline.Stop()
	s.Assert().Zero(s.pipeline.Ring().Pending(), "stop MUST discard undrained samples")

	s.pipeline.Start(context.Background())
	s.Assert().Zero(s.consumer.Chart().Len(), "start MUST empty the chart")

	s.pipeline.Notify(sensor.Encode(7, 7))
	s.sched.Tick()
	last := s.frames[len(s.frames)-1]
	s.Assert().Equal([]float32{7}, values(last.Batch))
	s.Assert().Equal([]float32{7}, values(last.Window), "window MUST NOT show the previous connection")
}

func (s *PipelineTestSuite) TestFrameCarriesStretch() {
	s.variants.v.Store(int32(sensor.SingleAxis))
	s.pipeline.Notify(sensor.Encode(1, 2))
	s.sched.Tick()

	s.consumer.SetStretch(true)
	s.pipeline.Notify(sensor.Encode(3, 4))
	s.sched.Tick()

	s.Require().Len(s.frames, 2)
	s.Assert().False(s.frames[0].Stretch)
	s.Assert().False(s.frames[0].ShowValue2(), "one axis MUST hide value2 while stretch is off")
	s.Assert().True(s.frames[1].Stretch)
	s.Assert().True(s.frames[1].ShowValue2())
	s.Assert().True(telemetry.Frame{Variant: sensor.DualAxis}.ShowValue2(), "two axis MUST always show value2")
}

func (s *PipelineTestSuite) TestAutoScale() {
	s.consumer.SetAutoScale(true)
	s.variants.v.Store(int32(sensor.DualAxis))
	s.pipeline.Notify(sensor.Encode(-40, 80))
	s.pipeline.Notify(sensor.Encode(10, 0))
	s.sched.Tick()

	s.Require().Len(s.frames, 1)
	s.Assert().Equal(telemetry.Bounds{Min: -40, Max: 80}, s.frames[0].Bounds, "dual axis MUST scale over both values")
}

func (s *PipelineTestSuite) TestEndToEndIncreasingSamples() {
	// GOAL: Verify 10 notifications drain across ticks in order with a bounded window
	//
	// TEST SCENARIO: variant=SingleAxis → 10 × 8-byte notifications interleaved with ticks → 10 samples drained increasing

	s.variants.v.Store(int32(sensor.SingleAxis))
	for i := 0; i < 10; i++ {
		s.pipeline.Notify(sensor.Encode(float32(i)*1.5, 0))
		if i%3 == 2 {
			s.sched.Tick()
		}
	}
	s.sched.Tick()

	var drained []sensor.Sample
	for _, f := range s.frames {
		drained = append(drained, f.Batch...)
		s.Assert().LessOrEqual(len(f.Window), telemetry.DefaultWindow)
	}
	s.Require().Len(drained, 10, "MUST drain exactly 10 samples")
	for i := 1; i < len(drained); i++ {
		s.Assert().Less(drained[i-1].Value1, drained[i].Value1, "value1 MUST increase")
	}
}

func (s *PipelineTestSuite) TestStopIsIdempotent() {
	s.pipeline.Stop()
	s.pipeline.Stop()
	s.Assert().False(s.sched.Tick(), "no tick MUST be scheduled after Stop")

	s.pipeline.Start(context.Background())
	s.Assert().True(s.sched.Tick(), "pipeline MUST be restartable")
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}
