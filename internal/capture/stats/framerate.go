package stats

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow is the trailing span used when none is configured.
const DefaultWindow = time.Second

// FrameRateEstimator derives frames per second from the video timestamps
// seen in a trailing time window. Eviction is keyed on elapsed media time,
// not on sample count.
type FrameRateEstimator struct {
	mu         sync.Mutex
	window     time.Duration
	timestamps []time.Duration // sorted ascending
}

// NewFrameRateEstimator creates an estimator; a non-positive window selects
// DefaultWindow.
func NewFrameRateEstimator(window time.Duration) *FrameRateEstimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &FrameRateEstimator{
		window:     window,
		timestamps: make([]time.Duration, 0, 128),
	}
}

// OnVideoTimestamp records one frame. Late timestamps are inserted in order.
func (e *FrameRateEstimator) OnVideoTimestamp(ts time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.timestamps)
	if n == 0 || ts >= e.timestamps[n-1] {
		e.timestamps = append(e.timestamps, ts)
	} else {
		i := sort.Search(n, func(i int) bool { return e.timestamps[i] > ts })
		e.timestamps = append(e.timestamps, 0)
		copy(e.timestamps[i+1:], e.timestamps[i:])
		e.timestamps[i] = ts
	}
	e.evictLocked()
}

// CurrentRate returns timestamps-in-window divided by the window length, or
// 0 while fewer than two timestamps are in the window.
func (e *FrameRateEstimator) CurrentRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.evictLocked()
	if len(e.timestamps) < 2 {
		return 0
	}
	return float64(len(e.timestamps)) / e.window.Seconds()
}

// Len is the number of timestamps currently in the window.
func (e *FrameRateEstimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timestamps)
}

// Window returns the configured window span.
func (e *FrameRateEstimator) Window() time.Duration {
	return e.window
}

// Reset forgets every timestamp.
func (e *FrameRateEstimator) Reset() {
	e.mu.Lock()
	e.timestamps = e.timestamps[:0]
	e.mu.Unlock()
}

// evictLocked drops everything at or before latest-window.
func (e *FrameRateEstimator) evictLocked() {
	n := len(e.timestamps)
	if n == 0 {
		return
	}
	cutoff := e.timestamps[n-1] - e.window
	drop := sort.Search(n, func(i int) bool { return e.timestamps[i] > cutoff })
	if drop == 0 {
		return
	}
	kept := copy(e.timestamps, e.timestamps[drop:])
	e.timestamps = e.timestamps[:kept]
}
