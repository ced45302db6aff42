package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const autoLockTimeout = 5 * time.Minute

func newAutoLockEnv(t *testing.T, timeout time.Duration) (*testEnv, *AutoLocker) {
	t.Helper()
	env := newTestEnv(t)
	locker := NewAutoLocker(env.manager, timeout, env.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := env.manager.Create(context.Background(), "pw", testMnemonic, "")
	require.NoError(t, err)
	return env, locker
}

func requireLockedEventually(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return !m.IsUnlocked() }, time.Second, 5*time.Millisecond)
}

func requireStaysUnlocked(t *testing.T, m *Manager) {
	t.Helper()
	require.Never(t, func() bool { return !m.IsUnlocked() }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestAutoLockFiresAfterTimeout(t *testing.T) {
	env, _ := newAutoLockEnv(t, autoLockTimeout)

	env.clock.Add(autoLockTimeout - time.Millisecond)
	requireStaysUnlocked(t, env.manager)

	env.clock.Add(time.Millisecond)
	requireLockedEventually(t, env.manager)
}

func TestAutoLockResetExtendsDeadline(t *testing.T) {
	env, locker := newAutoLockEnv(t, autoLockTimeout)

	env.clock.Add(2 * time.Minute)
	locker.Reset()

	// The original deadline passes without locking.
	env.clock.Add(4 * time.Minute)
	requireStaysUnlocked(t, env.manager)

	env.clock.Add(time.Minute - time.Millisecond)
	requireStaysUnlocked(t, env.manager)

	env.clock.Add(time.Millisecond)
	requireLockedEventually(t, env.manager)
}

func TestAutoLockDisabled(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		env, locker := newAutoLockEnv(t, timeout)
		assert.Equal(t, time.Duration(0), locker.Timeout())

		locker.Reset()
		env.clock.Add(24 * time.Hour)
		requireStaysUnlocked(t, env.manager)
	}
}

func TestAutoLockTimeoutRoundsUp(t *testing.T) {
	env := newTestEnv(t)
	locker := NewAutoLocker(env.manager, 1500*time.Microsecond, env.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Equal(t, 2*time.Millisecond, locker.Timeout())
}

func TestAutoLockResetWhileLockedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	locker := NewAutoLocker(env.manager, autoLockTimeout, env.clock, slog.New(slog.NewTextHandler(io.Discard, nil)))

	locker.Reset()
	locker.mu.Lock()
	armed := locker.timer != nil
	locker.mu.Unlock()
	require.False(t, armed)
}

func TestExplicitLockCancelsTimer(t *testing.T) {
	ctx := context.Background()
	env, locker := newAutoLockEnv(t, autoLockTimeout)

	env.manager.Lock()
	locker.mu.Lock()
	armed := locker.timer != nil
	locker.mu.Unlock()
	require.False(t, armed)

	// A new session gets a fresh deadline; the old timer does not cut it short.
	env.clock.Add(4 * time.Minute)
	require.NoError(t, env.manager.Unlock(ctx, "pw"))

	env.clock.Add(2 * time.Minute)
	requireStaysUnlocked(t, env.manager)

	env.clock.Add(3 * time.Minute)
	requireLockedEventually(t, env.manager)
}
