package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/dualdb/internal/config"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		ProbeIntervalMS:   100,
		ProbeTimeoutMS:    50,
		FailureThreshold:  3,
		RecoveryThreshold: 3,
		MinRecoveryMS:     0,
		WindowSize:        10,
	}
}

func TestRecord_FailureThresholdFiresAfterNConsecutiveFailures(t *testing.T) {
	m := New(testConfig(), nil, nil)
	events := m.Subscribe()

	m.Record(false)
	m.Record(false)
	assertNoEvent(t, events)

	m.Record(false)
	require.Equal(t, EventFailureThreshold, <-events)
}

func TestRecord_FailureThresholdDoesNotRefireWhileStillFailing(t *testing.T) {
	m := New(testConfig(), nil, nil)
	events := m.Subscribe()

	m.Record(false)
	m.Record(false)
	m.Record(false)
	require.Equal(t, EventFailureThreshold, <-events)

	m.Record(false)
	m.Record(false)
	assertNoEvent(t, events)
}

func TestRecord_RecoveryRequiresThresholdAndMinInterval(t *testing.T) {
	cfg := testConfig()
	cfg.MinRecoveryMS = 1000
	m := New(cfg, nil, nil)
	events := m.Subscribe()

	m.Record(false)
	m.Record(false)
	m.Record(false)
	require.Equal(t, EventFailureThreshold, <-events)

	// Recovery threshold met, but min recovery interval has not elapsed.
	m.Record(true)
	m.Record(true)
	m.Record(true)
	assertNoEvent(t, events)
}

func TestRecord_RecoveryFiresOnceMinIntervalElapses(t *testing.T) {
	cfg := testConfig()
	cfg.MinRecoveryMS = 1
	m := New(cfg, nil, nil)
	events := m.Subscribe()

	m.Record(false)
	m.Record(false)
	m.Record(false)
	require.Equal(t, EventFailureThreshold, <-events)

	time.Sleep(5 * time.Millisecond)

	m.Record(true)
	m.Record(true)
	m.Record(true)
	require.Equal(t, EventRecoveryThreshold, <-events)
}

func TestRecord_RecoveryThresholdDoesNotRefireWhileStillHealthy(t *testing.T) {
	m := New(testConfig(), nil, nil)
	events := m.Subscribe()

	m.Record(false)
	m.Record(false)
	m.Record(false)
	require.Equal(t, EventFailureThreshold, <-events)

	m.Record(true)
	m.Record(true)
	m.Record(true)
	require.Equal(t, EventRecoveryThreshold, <-events)

	m.Record(true)
	m.Record(true)
	assertNoEvent(t, events)
}

func TestRecord_IsolatedFlapDoesNotResetConsecutiveFailureCounter(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 3
	m := New(cfg, nil, nil)
	events := m.Subscribe()

	m.Record(false)
	m.Record(false)
	assertNoEvent(t, events)

	m.Record(true) // isolated success: window doesn't yet hold 3 opposite outcomes
	assertNoEvent(t, events)

	// A third failure completes the threshold; the blip above must not
	// have reset the consecutive-failure counter back to zero.
	m.Record(false)
	require.Equal(t, EventFailureThreshold, <-events)
}

func TestStatus_ReportsCurrentCounters(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.Record(false)
	m.Record(false)

	snap := m.Status()
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.False(t, snap.LastFailure.IsZero())
}

func assertNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}
