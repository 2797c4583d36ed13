package fencing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/dualdb/internal/config"
)

func newTestManager(t *testing.T, addr string) *Manager {
	t.Helper()
	cfg := config.FencingConfig{
		Enabled:           true,
		RedisAddr:         addr,
		LockKey:           "dualdb:lock",
		LockTTLMS:         1000,
		RenewalIntervalMS: 100,
		InstanceID:        "instance-a",
		DialTimeout:       time.Second,
	}
	m := New(cfg, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAcquireLock_GrantsMonotonicallyIncreasingTokens(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr.Addr())
	ctx := context.Background()

	require.NoError(t, m.AcquireLock(ctx))
	first := m.CurrentToken()
	require.True(t, m.HasValidLock())

	require.NoError(t, m.ReleaseLock(ctx))
	require.NoError(t, m.AcquireLock(ctx))
	second := m.CurrentToken()

	assert.Greater(t, second, first)
}

func TestAcquireLock_FailsWhenAlreadyHeldByAnotherInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	holder := newTestManager(t, mr.Addr())
	require.NoError(t, holder.AcquireLock(ctx))

	cfg := config.FencingConfig{
		RedisAddr: mr.Addr(), LockKey: "dualdb:lock", LockTTLMS: 1000,
		InstanceID: "instance-b", DialTimeout: time.Second,
	}
	contender := New(cfg, nil)
	defer contender.Close()

	err := contender.AcquireLock(ctx)
	assert.Error(t, err)
}

func TestRenewLock_ExtendsTTLWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr.Addr())
	ctx := context.Background()

	require.NoError(t, m.AcquireLock(ctx))
	mr.FastForward(500 * time.Millisecond)
	require.NoError(t, m.RenewLock(ctx))
	assert.True(t, m.HasValidLock())
}

func TestRenewLock_EmitsLockLostWhenHolderChanged(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr.Addr())
	ctx := context.Background()
	events := m.Subscribe()

	require.NoError(t, m.AcquireLock(ctx))
	require.Equal(t, EventLockAcquired, <-events)

	// Simulate another instance taking the key directly.
	require.NoError(t, mr.Set("dualdb:lock", "instance-b"))

	err := m.RenewLock(ctx)
	assert.Error(t, err)
	assert.False(t, m.HasValidLock())
	assert.Equal(t, EventLockLost, <-events)
}

func TestValidateToken_RejectsStaleToken(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, mr.Addr())
	ctx := context.Background()

	require.NoError(t, m.AcquireLock(ctx))
	current := m.CurrentToken()

	assert.True(t, m.ValidateToken(current))
	assert.False(t, m.ValidateToken(current-1))
}

func TestAcquireLock_LenientModeGrantsLocallyWhenCoordinatorUnreachable(t *testing.T) {
	cfg := config.FencingConfig{
		RedisAddr:         "127.0.0.1:1", // nothing listening
		LockKey:           "dualdb:lock",
		LockTTLMS:         1000,
		InstanceID:        "instance-a",
		StrictUnavailable: false,
		DialTimeout:       50 * time.Millisecond,
	}
	m := New(cfg, nil)
	defer m.Close()

	require.NoError(t, m.AcquireLock(context.Background()))
	assert.True(t, m.HasValidLock())
}

func TestAcquireLock_StrictModeRefusesWhenCoordinatorUnreachable(t *testing.T) {
	cfg := config.FencingConfig{
		RedisAddr:         "127.0.0.1:1",
		LockKey:           "dualdb:lock",
		LockTTLMS:         1000,
		InstanceID:        "instance-a",
		StrictUnavailable: true,
		DialTimeout:       50 * time.Millisecond,
	}
	m := New(cfg, nil)
	defer m.Close()

	err := m.AcquireLock(context.Background())
	assert.Error(t, err)
	assert.False(t, m.HasValidLock())
}
