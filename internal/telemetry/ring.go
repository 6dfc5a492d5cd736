// Package telemetry moves decoded sensor samples from the notification
// callback to the fixed-rate consumer that feeds the chart, the data logger
// and other sinks.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/srg/bendlink/internal/sensor"
)

// DefaultCapacity is the number of samples the ring holds.
const DefaultCapacity = 300

// Ring is a fixed-capacity sample buffer shared by exactly one producer
// (the notification callback) and one consumer (the tick).
//
// Writes never block: once capacity unread samples are pending, each write
// overwrites the oldest unread one. Drain returns every unread sample in
// arrival order and resets the unread count.
type Ring struct {
	mu     sync.Mutex
	buf    []sensor.Sample
	write  int // next slot to write
	unread int // samples written since the last drain, at most len(buf)

	metrics Metrics
}

// NewRing creates a Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("telemetry: ring capacity must be > 0")
	}
	return &Ring{buf: make([]sensor.Sample, capacity)}
}

// Write stores s at the write cursor and advances it.
func (r *Ring) Write(s sensor.Sample) {
	r.mu.Lock()
	r.buf[r.write] = s
	r.write = (r.write + 1) % len(r.buf)
	if r.unread < len(r.buf) {
		r.unread++
	} else {
		r.metrics.addOverwritten(1)
	}
	r.mu.Unlock()
	r.metrics.addWritten(1)
}

// Drain returns the unread samples oldest first, or nil when there are none.
func (r *Ring) Drain() []sensor.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unread == 0 {
		return nil
	}
	out := make([]sensor.Sample, r.unread)
	read := (r.write - r.unread + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(read+i)%len(r.buf)]
	}
	r.unread = 0
	r.metrics.addDrained(len(out))
	return out
}

// HasNew reports whether samples arrived since the last drain.
func (r *Ring) HasNew() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread > 0
}

// Pending returns the number of unread samples.
func (r *Ring) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// Reset discards unread samples.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unread = 0
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// GetMetrics returns a snapshot of current metrics values.
func (r *Ring) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Drained:     atomic.LoadInt64(&r.metrics.Drained),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
		Dropped:     atomic.LoadInt64(&r.metrics.Dropped),
	}
}

// Metrics provides lock-free counters for the ring and its producer.
type Metrics struct {
	Written     int64
	Drained     int64
	Overwritten int64
	Dropped     int64 // malformed payloads rejected before reaching the ring
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addDrained(n int) {
	atomic.AddInt64(&m.Drained, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}

func (m *Metrics) addDropped(n int) {
	atomic.AddInt64(&m.Dropped, int64(n))
}
