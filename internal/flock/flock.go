// Package flock provides keyed in-process mutual exclusion over normalized
// file paths. Write and patch tools take the lock before touching a file;
// readers do not. Cross-process safety is out of scope.
package flock

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type waiter struct {
	worker int
	ready  chan struct{}
}

type lock struct {
	holder     int
	depth      int
	acquiredAt time.Time
	waiters    []*waiter
}

// Registry tracks one lock per normalized path.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*lock
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*lock)}
}

// Normalize canonicalizes a path for lock keying: cleaned, slashed, and
// case-insensitive.
func Normalize(path string) string {
	return strings.ToLower(filepath.ToSlash(filepath.Clean(path)))
}

// Acquire blocks until no other worker holds the lock for path. Re-entry by
// the same worker succeeds immediately.
func (r *Registry) Acquire(ctx context.Context, path string, worker int) error {
	key := Normalize(path)

	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		r.locks[key] = &lock{holder: worker, depth: 1, acquiredAt: time.Now()}
		r.mu.Unlock()
		return nil
	}
	if l.holder == worker {
		l.depth++
		r.mu.Unlock()
		return nil
	}

	w := &waiter{worker: worker, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	r.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		select {
		case <-w.ready:
			// Lost the race with a handoff; give the lock back.
			r.mu.Unlock()
			r.Release(path)
			return ctx.Err()
		default:
		}
		if l, ok := r.locks[key]; ok {
			for i, cand := range l.waiters {
				if cand == w {
					l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
					break
				}
			}
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Release drops one hold on path. When the depth reaches zero the lock is
// handed to the first waiter (FIFO) or removed.
func (r *Registry) Release(path string) {
	key := Normalize(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		return
	}
	if l.depth > 1 {
		l.depth--
		return
	}
	if len(l.waiters) == 0 {
		delete(r.locks, key)
		return
	}

	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.holder = next.worker
	l.depth = 1
	l.acquiredAt = time.Now()
	close(next.ready)
}

// Holder reports the worker currently holding path and when it acquired
// the lock. ok is false when the path is unlocked.
func (r *Registry) Holder(path string) (worker int, since time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, found := r.locks[Normalize(path)]
	if !found {
		return 0, time.Time{}, false
	}
	return l.holder, l.acquiredAt, true
}
