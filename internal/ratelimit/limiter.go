// Package ratelimit bounds LLM traffic two ways at once: a cap on in-flight
// acquisitions and a cap on successful acquisitions per rolling hour.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"codeswarm/internal/bus"
	"codeswarm/internal/logging"
)

// WaitNotice is the payload published on bus.TopicRateLimitWait when a
// caller is forced to sleep for the hourly window.
type WaitNotice struct {
	Limiter string        `json:"limiter"`
	Wait    time.Duration `json:"wait"`
}

// Limiter admits callers while both bounds hold. Waiters are cooperative:
// every wakeup re-checks both bounds because another waiter may have been
// admitted in the meantime.
type Limiter struct {
	mu            sync.Mutex
	name          string
	maxConcurrent int
	maxPerHour    int
	window        time.Duration
	active        int
	stamps        []time.Time

	// closed and replaced on every release/limit change; waiters select on it
	notify chan struct{}

	events *bus.Bus
	logger logging.Logger
}

// New creates a limiter. events may be nil.
func New(name string, maxConcurrent, maxPerHour int, events *bus.Bus) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxPerHour < 1 {
		maxPerHour = 1
	}
	return &Limiter{
		name:          name,
		maxConcurrent: maxConcurrent,
		maxPerHour:    maxPerHour,
		window:        time.Hour,
		notify:        make(chan struct{}),
		events:        events,
		logger:        logging.NewComponentLogger("ratelimit:" + name),
	}
}

// Acquire blocks until both bounds admit the caller, then records the
// acquisition timestamp and increments the active count.
func (l *Limiter) Acquire(ctx context.Context) error {
	warned := false
	l.mu.Lock()
	for {
		now := time.Now()
		l.prune(now)

		if l.active < l.maxConcurrent && len(l.stamps) < l.maxPerHour {
			l.active++
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}

		notify := l.notify
		var ageOut <-chan time.Time
		if l.active < l.maxConcurrent && len(l.stamps) >= l.maxPerHour {
			// Hourly window is the blocker; sleep until the oldest
			// timestamp ages out.
			wait := l.stamps[0].Add(l.window).Sub(now)
			if wait < 0 {
				wait = 0
			}
			if !warned {
				warned = true
				l.logger.Warn("hourly limit of %d calls reached, waiting %v", l.maxPerHour, wait)
				if l.events != nil {
					l.events.Publish(bus.TopicRateLimitWait, WaitNotice{Limiter: l.name, Wait: wait})
				}
			}
			ageOut = time.After(wait)
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-ageOut:
		}
		l.mu.Lock()
	}
}

// Release decrements the active count and wakes waiters.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.wakeLocked()
	l.mu.Unlock()
}

// UpdateLimits swaps in new bounds. Already-admitted callers are unaffected.
func (l *Limiter) UpdateLimits(maxConcurrent, maxPerHour int) {
	l.mu.Lock()
	if maxConcurrent >= 1 {
		l.maxConcurrent = maxConcurrent
	}
	if maxPerHour >= 1 {
		l.maxPerHour = maxPerHour
	}
	l.wakeLocked()
	l.mu.Unlock()
}

// Stats reports the current in-flight count and the number of acquisitions
// still inside the rolling window.
func (l *Limiter) Stats() (active, windowed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return l.active, len(l.stamps)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append([]time.Time(nil), l.stamps[i:]...)
	}
}

func (l *Limiter) wakeLocked() {
	close(l.notify)
	l.notify = make(chan struct{})
}
