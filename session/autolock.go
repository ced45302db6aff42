package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultAutoLockTimeout is used when no timeout is configured.
const DefaultAutoLockTimeout = 5 * time.Minute

// AutoLocker locks the session after a period without activity.
//
// Reset is called on every inbound request and user interaction. A reset that
// races with an expiring timer wins: the timer callback only locks if no reset
// happened since it was armed.
type AutoLocker struct {
	session *Manager
	clock   clock.Clock
	timeout time.Duration
	log     *slog.Logger

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
}

// NewAutoLocker creates an AutoLocker for session and subscribes it to session
// transitions. A timeout <= 0 disables auto-lock; positive timeouts are rounded
// up to whole milliseconds.
func NewAutoLocker(session *Manager, timeout time.Duration, clk clock.Clock, log *slog.Logger) *AutoLocker {
	if clk == nil {
		clk = clock.New()
	}
	if timeout > 0 {
		timeout = ((timeout + time.Millisecond - 1) / time.Millisecond) * time.Millisecond
	}

	a := &AutoLocker{
		session: session,
		clock:   clk,
		timeout: timeout,
		log:     log,
	}
	session.Subscribe(a)
	return a
}

// Timeout returns the effective timeout, or 0 if auto-lock is disabled.
func (a *AutoLocker) Timeout() time.Duration {
	if a.timeout <= 0 {
		return 0
	}
	return a.timeout
}

// Reset cancels the pending timer and, if the session is unlocked, arms a new one.
func (a *AutoLocker) Reset() {
	if a.timeout <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked()
	if !a.session.IsUnlocked() {
		return
	}

	generation := a.generation
	a.timer = a.clock.AfterFunc(a.timeout, func() { a.fire(generation) })
}

// Cancel stops the pending timer, if any.
func (a *AutoLocker) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

// stopLocked invalidates any armed timer. Caller holds a.mu.
func (a *AutoLocker) stopLocked() {
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *AutoLocker) fire(generation uint64) {
	a.mu.Lock()
	if generation != a.generation {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	a.log.Info("Auto-lock timeout reached", slog.Duration("timeout", a.timeout))
	a.session.lock(ReasonAutoLock)
}

// SessionUnlocked arms the timer for the new session.
func (a *AutoLocker) SessionUnlocked([]byte) {
	a.Reset()
}

// SessionLocked drops the timer so it cannot fire into a later session.
func (a *AutoLocker) SessionLocked(_, _ []byte) {
	a.Cancel()
}
