// Package ratelimit implements per-key windowed admission control for the
// pipeline's operator-facing entry points.
package ratelimit

import (
	"sync"
	"time"
)

// Preset names the admission classes applied to endpoint groups.
// Limits are requests per 15-minute window.
const (
	PresetAuth     = "auth"     // 5 / 15m
	PresetStandard = "standard" // 100 / 15m
	PresetRead     = "read"     // 300 / 15m
	PresetWrite    = "write"    // 50 / 15m
)

// Decision is the synchronous answer to one admission request.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter is a process-wide keyed counter store with TTL-based eviction.
// Decisions are O(1) and never block. Time is injectable so window
// behavior is deterministic under test.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	now func() time.Time
}

// New creates a Limiter sweeping expired entries every sweepInterval.
// Call Close to stop the sweep goroutine.
func New(sweepInterval time.Duration) *Limiter {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	l := &Limiter{
		entries:       make(map[string]*entry),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		now:           time.Now,
	}
	go l.sweepLoop()
	return l
}

// Admit decides whether one more request under key fits within limit per
// window. The first admission for a key, or the first after its window
// elapsed, resets the counter to 1. Past the limit the count saturates:
// denied requests do not extend or inflate the window.
func (l *Limiter) Admit(key string, limit int, window time.Duration) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !e.resetAt.After(now) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		l.entries[key] = e
		return Decision{Allowed: true, Remaining: limit - 1, ResetAt: e.resetAt}
	}

	if e.count >= limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
	}

	e.count++
	return Decision{Allowed: true, Remaining: limit - e.count, ResetAt: e.resetAt}
}

// Len reports the number of tracked keys, expired or not.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops entries whose window elapsed, keeping memory proportional to
// active keys rather than historical ones.
func (l *Limiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if !e.resetAt.After(now) {
			delete(l.entries, key)
		}
	}
}
