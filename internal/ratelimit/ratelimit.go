// Package ratelimit implements fixed-window request budgets keyed by
// caller and action.
package ratelimit

import (
	"sync"
	"time"
)

type Limit struct {
	Window      time.Duration
	MaxRequests int
}

type Result struct {
	Success   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window resets.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type window struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	now       func() time.Time
	lastSweep time.Time
	sweepIn   time.Duration
}

func New() *Limiter {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     now,
		sweepIn: time.Minute,
	}
}

// Check consumes one request from key's budget. A denied request does not
// consume budget.
func (l *Limiter) Check(key string, limit Limit) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(limit.Window)}
		l.windows[key] = w
	}

	if w.count >= limit.MaxRequests {
		return Result{Success: false, Limit: limit.MaxRequests, Remaining: 0, ResetAt: w.resetAt}
	}

	w.count++
	return Result{
		Success:   true,
		Limit:     limit.MaxRequests,
		Remaining: limit.MaxRequests - w.count,
		ResetAt:   w.resetAt,
	}
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepIn {
		return
	}
	l.lastSweep = now
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
