// Package ratelimit bounds how often a client identity may call an
// expensive public operation.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"raffle-core/internal/clock"
)

// Defaults for the public random-selection endpoint.
const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

// Limiter decides whether key may proceed now. When it may not,
// retryAfter says how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// Memory is a per-key rolling window: at most Limit calls in any span of
// Window. It keeps the same semantics as Redis but is local to the process.
type Memory struct {
	clock   clock.Clock
	limit   int
	window  time.Duration
	maxKeys int

	mu   sync.Mutex
	logs map[string]*callLog
}

// callLog holds the accepted call times of one key, oldest first.
type callLog struct {
	calls    []time.Time
	lastSeen time.Time
}

// NewMemory returns a limiter allowing limit calls per window for each key.
func NewMemory(limit int, window time.Duration, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:   clk,
		limit:   limit,
		window:  window,
		maxKeys: 10_000,
		logs:    make(map[string]*callLog),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[key]
	if !ok {
		if len(m.logs) >= m.maxKeys {
			m.evict(now)
		}
		l = &callLog{}
		m.logs[key] = l
	}
	l.lastSeen = now
	l.prune(now.Add(-m.window))

	if len(l.calls) >= m.limit {
		// Rejected calls do not count against the window.
		return false, max(l.calls[0].Add(m.window).Sub(now), time.Millisecond), nil
	}
	l.calls = append(l.calls, now)
	return true, 0, nil
}

// prune drops calls at or before cutoff.
func (l *callLog) prune(cutoff time.Time) {
	n := 0
	for n < len(l.calls) && !l.calls[n].After(cutoff) {
		n++
	}
	l.calls = l.calls[n:]
}

// evict drops keys idle for a full window; their logs are empty anyway.
func (m *Memory) evict(now time.Time) {
	for key, l := range m.logs {
		if now.Sub(l.lastSeen) >= m.window {
			delete(m.logs, key)
		}
	}
}
