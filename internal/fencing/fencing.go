// Package fencing implements the distributed lock manager (C7): a single
// deployment-wide lock held in Redis, with a monotonically increasing
// fencing token so a deposed holder's stale writes can be rejected even
// after it resumes sending requests.
package fencing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/axonops/dualdb/internal/config"
)

// Event is emitted to subscribers when the lock state changes.
type Event string

const (
	EventLockAcquired Event = "lock-acquired"
	EventLockLost     Event = "lock-lost"
)

// renewScript extends the lock's TTL only if it is still held by the
// caller's instance id; a mismatch means another instance won the lock
// (e.g. after this instance stalled past the TTL).
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes the lock only if still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Manager owns the Redis client, the renewal loop, and the locally
// cached view of lock validity used by hot-path callers that cannot
// afford a round trip to Redis per write.
type Manager struct {
	cfg    config.FencingConfig
	rdb    *redis.Client
	logger *slog.Logger

	mu      sync.RWMutex
	valid   bool
	token   int64
	lenient bool // true once a lenient-mode local grant is in effect

	listeners []chan Event

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager against the configured Redis address. Redis
// connectivity is not required at construction time — acquisition and
// renewal tolerate an unreachable coordinator per StrictUnavailable.
func New(cfg config.FencingConfig, logger *slog.Logger) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		DialTimeout: cfg.DialTimeout,
	})
	return &Manager{cfg: cfg, rdb: rdb, logger: logger}
}

// Subscribe returns a channel receiving lock-acquired/lock-lost events.
func (m *Manager) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 8)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AcquireLock attempts to take the deployment lock. On success it
// assigns a strictly greater fencing token than any token this manager
// has previously held. If the coordinator is unreachable, behavior
// depends on StrictUnavailable: strict mode refuses the lock, lenient
// mode (default) grants it locally so a single-instance deployment keeps
// working without Redis.
func (m *Manager) AcquireLock(ctx context.Context) error {
	ttl := time.Duration(m.cfg.LockTTLMS) * time.Millisecond

	ok, err := m.rdb.SetNX(ctx, m.cfg.LockKey, m.cfg.InstanceID, ttl).Result()
	if err != nil {
		if m.cfg.StrictUnavailable {
			return fmt.Errorf("fencing: coordinator unreachable, strict mode refuses lock: %w", err)
		}
		return m.acquireLenient()
	}
	if !ok {
		return errors.New("fencing: lock held by another instance")
	}

	token, err := m.rdb.Incr(ctx, m.cfg.LockKey+":token").Result()
	if err != nil {
		return fmt.Errorf("fencing: increment token: %w", err)
	}

	m.mu.Lock()
	if token <= m.token {
		// Redis's counter fell behind a token this instance already
		// handed out locally (e.g. during a prior lenient-mode grant
		// while Redis was unreachable). Resync it so the invariant that
		// every newly-acquired token strictly exceeds any token this
		// instance has previously held still holds.
		token = m.token + 1
		if err := m.rdb.Set(ctx, m.cfg.LockKey+":token", token, 0).Err(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("fencing: resync token: %w", err)
		}
	}
	m.valid = true
	m.lenient = false
	m.token = token
	m.mu.Unlock()

	m.emit(EventLockAcquired)
	if m.logger != nil {
		m.logger.Info("fencing: lock acquired", "token", token)
	}
	return nil
}

// acquireLenient grants the lock without Redis, incrementing a purely
// local token. Used only when the coordinator is unreachable and strict
// mode is off.
func (m *Manager) acquireLenient() error {
	m.mu.Lock()
	m.valid = true
	m.lenient = true
	m.token++
	token := m.token
	m.mu.Unlock()

	m.emit(EventLockAcquired)
	if m.logger != nil {
		m.logger.Warn("fencing: coordinator unreachable, granting lock locally (lenient mode)", "token", token)
	}
	return nil
}

// RenewLock extends the lock's TTL if this instance still holds it. A
// failed CAS or a Redis error emits lock-lost and invalidates the local
// cached state; the Proxy Facade's watchFencing, subscribed to these
// events, drives the state machine to DEGRADED in response.
func (m *Manager) RenewLock(ctx context.Context) error {
	m.mu.RLock()
	lenient := m.lenient
	m.mu.RUnlock()
	if lenient {
		// No coordinator to renew against; the local grant stands until
		// the coordinator becomes reachable again via a fresh AcquireLock.
		return nil
	}

	ttl := time.Duration(m.cfg.LockTTLMS) * time.Millisecond
	res, err := renewScript.Run(ctx, m.rdb, []string{m.cfg.LockKey}, m.cfg.InstanceID, ttl.Milliseconds()).Result()
	if err != nil {
		m.invalidate("renew error: " + err.Error())
		return fmt.Errorf("fencing: renew: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		m.invalidate("lost lock to another holder")
		return errors.New("fencing: lock no longer held by this instance")
	}
	return nil
}

func (m *Manager) invalidate(reason string) {
	m.mu.Lock()
	wasValid := m.valid
	m.valid = false
	m.mu.Unlock()

	if wasValid {
		m.emit(EventLockLost)
		if m.logger != nil {
			m.logger.Warn("fencing: lock lost", "reason", reason)
		}
	}
}

// ReleaseLock gives up the lock, compare-and-delete so a stale renewal
// or a lock already reassigned to another instance is left untouched.
// Runs during graceful shutdown.
func (m *Manager) ReleaseLock(ctx context.Context) error {
	m.mu.Lock()
	lenient := m.lenient
	m.valid = false
	m.mu.Unlock()
	if lenient {
		return nil
	}

	_, err := releaseScript.Run(ctx, m.rdb, []string{m.cfg.LockKey}, m.cfg.InstanceID).Result()
	if err != nil {
		return fmt.Errorf("fencing: release: %w", err)
	}
	return nil
}

// HasValidLock is the hot-path accessor the Dual-Write Manager consults
// before every NORMAL/SYNCING write.
func (m *Manager) HasValidLock() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.valid
}

// ValidateToken reports whether t equals the currently held fencing
// token, used to reject stale writes issued by a deposed instance that
// resumed sending requests after losing the lock.
func (m *Manager) ValidateToken(t int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.valid && t == m.token
}

// CurrentToken returns the fencing token currently held (0 if none).
func (m *Manager) CurrentToken() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// StartRenewalLoop runs RenewLock on the configured interval until the
// context is cancelled or Stop is called.
func (m *Manager) StartRenewalLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		interval := time.Duration(m.cfg.RenewalIntervalMS) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.RenewLock(ctx)
			}
		}
	}()
}

// Stop halts the renewal loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Close releases the underlying Redis client connection.
func (m *Manager) Close() error {
	return m.rdb.Close()
}
