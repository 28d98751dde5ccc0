// Package preview hands the newest captured frame to a display consumer
// without ever blocking the capture path.
package preview

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

// staleAfter marks the preview stale when no frame arrived for this long.
const staleAfter = 2 * time.Second

// Observer is notified on the consumer goroutine when a new frame is ready.
// The frame is only valid during the call unless the observer Retains it.
type Observer interface {
	PixelBufferReadyForDisplay(f *Frame)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(f *Frame)

func (fn ObserverFunc) PixelBufferReadyForDisplay(f *Frame) { fn(f) }

type observerBox struct {
	o Observer
}

// Stats is a snapshot of queue activity.
type Stats struct {
	Pushes     uint64
	Pulls      uint64
	Drops      uint64 // frames overwritten before anyone pulled them
	LastPushAt time.Time
	Stale      bool
}

// Queue is a single-slot, latest-wins frame buffer. Push runs on the capture
// goroutine, Pull on the display goroutine. Only pointer swaps happen under
// the lock.
type Queue struct {
	logger *slog.Logger
	clock  clock.PassiveClock

	mu         sync.Mutex
	slot       *Frame
	fresh      bool
	closed     bool
	seq        uint64
	lastPushAt time.Time

	ready    chan struct{}
	observer atomic.Pointer[observerBox]

	pushes atomic.Uint64
	pulls  atomic.Uint64
	drops  atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the wall clock used for staleness tracking.
func WithClock(c clock.PassiveClock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = util.ComponentLogger(l, "preview") }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		clock: clock.RealClock{},
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = util.ComponentLogger(nil, "preview")
	}
	return q
}

// Push stores f as the latest frame, taking over the caller's reference.
// The previously stored frame loses the slot's reference. Never blocks.
func (q *Queue) Push(f *Frame) {
	if f == nil {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.Release()
		return
	}
	prev := q.slot
	if prev != nil && q.fresh {
		q.drops.Add(1)
	}
	q.seq++
	f.Seq = q.seq
	q.slot = f
	q.fresh = true
	q.lastPushAt = q.clock.Now()
	if f.CapturedAt.IsZero() {
		f.CapturedAt = q.lastPushAt
	}
	q.mu.Unlock()

	q.pushes.Add(1)
	prev.Release()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pull returns the latest frame if one was pushed since the previous Pull.
// The stored frame stays in the slot; the caller owns the returned
// reference and must Release it.
func (q *Queue) Pull() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.fresh || q.slot == nil {
		return nil, false
	}
	q.fresh = false
	q.pulls.Add(1)
	return q.slot.Retain(), true
}

// Latest returns the stored frame whether or not it was already pulled, for
// redraw on demand. The caller must Release the result.
func (q *Queue) Latest() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.slot == nil {
		return nil, false
	}
	return q.slot.Retain(), true
}

// Ready signals that a frame may be waiting. It is a hint: a receive can
// be followed by an empty Pull when another consumer got there first.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// SetObserver registers the display observer. Passing nil clears it; the
// queue then behaves as if no consumer were attached.
func (q *Queue) SetObserver(o Observer) {
	if o == nil {
		q.observer.Store(nil)
		return
	}
	q.observer.Store(&observerBox{o: o})
}

// Run delivers new frames to the registered observer until ctx is done.
// It is the display-side loop and runs on the caller's goroutine.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.ready:
		}

		f, ok := q.Pull()
		if !ok {
			continue
		}
		if box := q.observer.Load(); box != nil && box.o != nil {
			q.deliver(box.o, f)
		}
		f.Release()
	}
}

func (q *Queue) deliver(o Observer, f *Frame) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Preview observer panicked", "error", r, "seq", f.Seq)
		}
	}()
	o.PixelBufferReadyForDisplay(f)
}

// Stats returns counters and staleness.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	last := q.lastPushAt
	q.mu.Unlock()

	return Stats{
		Pushes:     q.pushes.Load(),
		Pulls:      q.pulls.Load(),
		Drops:      q.drops.Load(),
		LastPushAt: last,
		Stale:      last.IsZero() || q.clock.Since(last) > staleAfter,
	}
}

// Close drops the stored frame and makes further pushes no-ops.
func (q *Queue) Close() {
	q.mu.Lock()
	prev := q.slot
	q.slot = nil
	q.fresh = false
	q.closed = true
	q.mu.Unlock()

	prev.Release()
	q.logger.Debug("Preview queue closed",
		"pushes", q.pushes.Load(),
		"pulls", q.pulls.Load(),
		"drops", q.drops.Load())
}
