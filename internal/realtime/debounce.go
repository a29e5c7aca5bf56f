// Package realtime pushes inventory invalidations to live viewers.
//
// Order changes are not forwarded one by one: raffle ids are collected for
// a short window and flushed as one batch, so a burst of reservations
// triggers a single refresh per viewer.
package realtime

import (
	"slices"
	"sync"
	"time"

	"raffle-core/internal/clock"
)

// DefaultDebounceWindow is how long changes are collected before a flush.
const DefaultDebounceWindow = 500 * time.Millisecond

// Debouncer accumulates keys and flushes them once per window. The first
// key of a burst arms the timer; later keys join the pending set.
type Debouncer struct {
	clock  clock.Clock
	window time.Duration
	flush  func(keys []string)

	mu         sync.Mutex
	pending    map[string]struct{}
	timer      *clock.Timer
	generation uint64
	closed     bool
}

// NewDebouncer returns a Debouncer calling flush with the sorted pending
// keys. A non-positive window uses DefaultDebounceWindow.
func NewDebouncer(clk clock.Clock, window time.Duration, flush func(keys []string)) *Debouncer {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{
		clock:   clk,
		window:  window,
		flush:   flush,
		pending: make(map[string]struct{}),
	}
}

// Add marks key as changed.
func (d *Debouncer) Add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending[key] = struct{}{}
	if d.timer != nil {
		return
	}
	d.generation++
	generation := d.generation
	d.timer = d.clock.AfterFunc(d.window, func() { d.fire(generation) })
}

func (d *Debouncer) fire(generation uint64) {
	d.mu.Lock()
	if generation != d.generation || d.closed {
		d.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.pending = make(map[string]struct{})
	d.timer = nil
	d.mu.Unlock()

	slices.Sort(keys)
	if len(keys) > 0 {
		d.flush(keys)
	}
}

// Close cancels the pending flush and ignores later keys.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.generation++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = make(map[string]struct{})
}
