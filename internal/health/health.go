// Package health implements the primary's periodic probe with
// sliding-window hysteresis (C5): it decides when enough consecutive
// failures or successes have accumulated to fire a threshold event,
// without flapping on an isolated blip.
package health

import (
	"container/ring"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axonops/dualdb/internal/config"
)

// Event is an outcome the monitor signals to its listeners.
type Event string

const (
	EventFailureThreshold  Event = "failure-threshold-reached"
	EventRecoveryThreshold Event = "recovery-threshold-reached"
)

// Prober performs one health check against the backing store under
// observation (normally adapter.Adapter.HealthProbe).
type Prober func(ctx context.Context, timeout time.Duration) bool

// Monitor runs Prober on an interval and tracks a sliding window of
// outcomes to decide failure/recovery threshold crossings.
type Monitor struct {
	cfg    config.HealthConfig
	probe  Prober
	logger *slog.Logger

	mu                  sync.Mutex
	window              *ring.Ring
	consecutiveFailures int
	consecutiveSuccess  int
	lastFailure         time.Time
	failureSignaled     bool
	recoverySignaled    bool

	listeners []chan Event

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Monitor. cfg.WindowSize must be >= max(FailureThreshold,
// RecoveryThreshold); Load/Validate in internal/config enforces this.
func New(cfg config.HealthConfig, probe Prober, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		probe:  probe,
		logger: logger,
		window: ring.New(cfg.WindowSize),
	}
}

// Subscribe returns a channel that receives every threshold event. The
// channel is buffered; slow consumers may miss events rather than block
// the probe loop.
func (m *Monitor) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 8)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Start launches the probe loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		interval := time.Duration(m.cfg.ProbeIntervalMS) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runProbe(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) runProbe(ctx context.Context) {
	timeout := time.Duration(m.cfg.ProbeTimeoutMS) * time.Millisecond
	healthy := m.probe(ctx, timeout)
	m.Record(healthy)
}

// Record feeds one probe outcome into the sliding window and fires
// threshold events as needed. Exported so tests (and synthetic probes)
// can drive the state machine without a real ticker.
func (m *Monitor) Record(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window.Value = healthy
	m.window = m.window.Next()

	if healthy {
		m.consecutiveSuccess++
		if m.consecutiveFailures > 0 && m.oppositeRunLength(true) >= m.cfg.FailureThreshold {
			m.consecutiveFailures = 0
			m.failureSignaled = false
		}
	} else {
		m.consecutiveFailures++
		m.lastFailure = time.Now()
		m.recoverySignaled = false
		if m.consecutiveSuccess > 0 && m.oppositeRunLength(false) >= m.cfg.RecoveryThreshold {
			m.consecutiveSuccess = 0
		}
	}

	if !healthy && m.consecutiveFailures >= m.cfg.FailureThreshold && !m.failureSignaled {
		m.failureSignaled = true
		m.emit(EventFailureThreshold)
		if m.logger != nil {
			m.logger.Warn("health: failure threshold reached", "consecutive_failures", m.consecutiveFailures)
		}
		return
	}

	if healthy && m.consecutiveSuccess >= m.cfg.RecoveryThreshold && !m.recoverySignaled {
		minRecovery := time.Duration(m.cfg.MinRecoveryMS) * time.Millisecond
		if m.lastFailure.IsZero() || time.Since(m.lastFailure) >= minRecovery {
			m.recoverySignaled = true
			m.emit(EventRecoveryThreshold)
			if m.logger != nil {
				m.logger.Info("health: recovery threshold reached", "consecutive_success", m.consecutiveSuccess)
			}
		}
	}
}

// oppositeRunLength counts how many of the most recent window entries
// equal wantHealthy, used by the hysteresis rule: an isolated flap must
// not reset the opposite counter until at least N (or M) contrary
// outcomes have accumulated in the window.
func (m *Monitor) oppositeRunLength(wantHealthy bool) int {
	count := 0
	m.window.Do(func(v interface{}) {
		if v == nil {
			return
		}
		if v.(bool) == wantHealthy {
			count++
		}
	})
	return count
}

func (m *Monitor) emit(ev Event) {
	for _, ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot reports the monitor's current counters, used by the proxy
// facade's getHealthStatus operation.
type Snapshot struct {
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	LastFailure         time.Time
}

// Status returns a point-in-time snapshot of the monitor's counters.
func (m *Monitor) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ConsecutiveFailures: m.consecutiveFailures,
		ConsecutiveSuccess:  m.consecutiveSuccess,
		LastFailure:         m.lastFailure,
	}
}
