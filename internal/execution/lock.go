// Package execution implements the serialized opportunity pipeline: the
// execution lock, the queue, the two-leg execution core, single-leg
// resolution, P&L scenario computation, and the exposure alert scheduler.
package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lock is a single-slot mutex with FIFO waiter ordering and a safety timer.
// The entire opportunity lifecycle (reserve, both legs, commit/release) runs
// under it, so at most one opportunity is in flight at a time.
//
// The holder is force-released if it has not released within the timeout;
// the force release logs critical and hands the slot to the longest waiter.
// Release on an unheld lock is a no-op.
type Lock struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	held    bool
	gen     uint64 // increments per grant; guards the timer against later holders
	waiters []chan struct{}
	timer   *time.Timer
}

// NewLock creates a lock with the given force-release timeout.
func NewLock(timeout time.Duration, logger *slog.Logger) *Lock {
	return &Lock{
		timeout: timeout,
		logger:  logger.With("component", "execution_lock"),
	}
}

// Acquire blocks until the slot is free or ctx is cancelled. Waiters are
// served in arrival order.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.gen++
		l.armTimerLocked()
		l.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The grant raced the cancellation; give the slot back.
		l.Release()
		return ctx.Err()
	}
}

// Release hands the slot to the longest-waiting caller, or frees it.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.disarmTimerLocked()
	l.grantNextLocked()
}

// Held reports whether the slot is currently taken.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Lock) grantNextLocked() {
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	ch := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.gen++
	l.armTimerLocked()
	close(ch)
}

func (l *Lock) armTimerLocked() {
	if l.timeout <= 0 {
		return
	}
	gen := l.gen
	l.timer = time.AfterFunc(l.timeout, func() { l.forceRelease(gen) })
}

func (l *Lock) disarmTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// forceRelease is the safety timer path. It only fires for the holder it was
// armed for; a normal release re-arms for the next holder.
func (l *Lock) forceRelease(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || gen != l.gen {
		return
	}
	l.logger.Error("execution lock force-released after timeout",
		"severity", "critical", "timeout", l.timeout)
	l.grantNextLocked()
}
