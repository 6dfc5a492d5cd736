// Package ui holds the single-threaded presentation context and the views
// that render telemetry frames and status messages.
package ui

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/groutine"
)

// DefaultQueueDepth bounds the number of pending closures.
const DefaultQueueDepth = 256

// Loop executes posted closures one at a time, in posting order, on a single
// goroutine. Presentation state is only mutated from inside the loop.
type Loop struct {
	queue  chan func()
	stop   chan struct{}
	done   chan struct{}
	logger *logrus.Logger

	stopOnce sync.Once
	started  atomic.Bool
}

// NewLoop creates a Loop. Run must be called to start processing.
func NewLoop(logger *logrus.Logger, depth int) *Loop {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Loop{
		queue:  make(chan func(), depth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the loop on its own goroutine until ctx is done or Close is called.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	groutine.Go(ctx, "ui-loop", func(ctx context.Context) {
		defer close(l.done)
		defer l.logger.Debugf("%s: exiting", groutine.GetName(ctx))
		for {
			select {
			case fn := <-l.queue:
				l.exec(fn)
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("UI loop: panic recovered")
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and returns false once
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// TryPost queues fn without blocking. It returns false when the queue is
// full or the loop has stopped.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	default:
		return false
	}
}

// Call posts fn and waits for it to run.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() { fn(); close(ran) }) {
		return context.Canceled
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return context.Canceled
	}
}

// Every posts fn every period until ctx is done. A tick is skipped while the
// previous one is still queued, so a slow loop never accumulates ticks.
func (l *Loop) Every(ctx context.Context, period time.Duration, fn func()) <-chan struct{} {
	exited := make(chan struct{})
	var pending atomic.Bool

	groutine.Go(ctx, "ui-ticker", func(ctx context.Context) {
		defer close(exited)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !pending.CompareAndSwap(false, true) {
					continue
				}
				posted := l.Post(func() {
					pending.Store(false)
					if ctx.Err() == nil {
						fn()
					}
				})
				if !posted {
					return
				}
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	})
	return exited
}

// Close stops the loop and waits for it to exit. Queued closures that have
// not run yet are discarded.
func (l *Loop) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.started.CompareAndSwap(false, true) {
		// never started
		close(l.done)
		return
	}
	<-l.done
}

// Done is closed when the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }
