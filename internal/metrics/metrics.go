// Package metrics provides Prometheus metrics for the dual-database
// proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// State machine metrics
	StateCurrent      *prometheus.GaugeVec
	StateTransitions  *prometheus.CounterVec
	StateBlocked      *prometheus.CounterVec

	// Health monitor metrics
	HealthProbesTotal    *prometheus.CounterVec
	HealthProbeDuration  prometheus.Histogram
	ConsecutiveFailures  prometheus.Gauge
	ConsecutiveSuccesses prometheus.Gauge

	// Fencing metrics
	FencingLockHeld    prometheus.Gauge
	FencingToken       prometheus.Gauge
	FencingRenewals    *prometheus.CounterVec
	FencingAcquisitions *prometheus.CounterVec

	// Dual-write metrics
	WritesTotal        *prometheus.CounterVec
	WriteLatency       *prometheus.HistogramVec
	MirrorFailures     *prometheus.CounterVec
	PendingWrites      prometheus.Gauge
	SyncingQueueDepth  prometheus.Gauge

	// Change log metrics
	ChangelogUnsynced prometheus.Gauge
	ChangelogAppended *prometheus.CounterVec

	// Sync manager metrics
	SyncPassesTotal    *prometheus.CounterVec
	SyncEntriesApplied prometheus.Counter
	SyncConflictsTotal *prometheus.CounterVec
	SyncPassDuration   prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Request metrics
	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_requests_total",
			Help: "Total number of HTTP requests served by the operator API",
		},
		[]string{"operation", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dualdb_request_duration_seconds",
			Help:    "Proxy-facade operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_requests_in_flight",
			Help: "Number of proxy-facade operations currently being processed",
		},
	)

	// State machine metrics
	m.StateCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dualdb_state_current",
			Help: "1 for the state the proxy currently occupies, 0 for all others",
		},
		[]string{"state"},
	)

	m.StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_state_transitions_total",
			Help: "Total number of successful state transitions",
		},
		[]string{"from", "to"},
	)

	m.StateBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_state_transitions_blocked_total",
			Help: "Total number of rejected illegal state transition attempts",
		},
		[]string{"from", "to"},
	)

	// Health monitor metrics
	m.HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_health_probes_total",
			Help: "Total number of primary health probes, by outcome",
		},
		[]string{"outcome"},
	)

	m.HealthProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dualdb_health_probe_duration_seconds",
			Help:    "Primary health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_health_consecutive_failures",
			Help: "Current consecutive-failure count tracked by the health monitor",
		},
	)

	m.ConsecutiveSuccesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_health_consecutive_successes",
			Help: "Current consecutive-success count tracked by the health monitor",
		},
	)

	// Fencing metrics
	m.FencingLockHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_fencing_lock_held",
			Help: "1 if this instance currently holds the fencing lock, 0 otherwise",
		},
	)

	m.FencingToken = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_fencing_token",
			Help: "The fencing token currently held by this instance",
		},
	)

	m.FencingRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_fencing_renewals_total",
			Help: "Total number of fencing lock renewal attempts, by outcome",
		},
		[]string{"outcome"},
	)

	m.FencingAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_fencing_acquisitions_total",
			Help: "Total number of fencing lock acquisition attempts, by outcome",
		},
		[]string{"outcome"},
	)

	// Dual-write metrics
	m.WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_writes_total",
			Help: "Total number of dispatched writes, by proxy state and outcome",
		},
		[]string{"state", "action", "status"},
	)

	m.WriteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dualdb_write_duration_seconds",
			Help:    "Dual-write dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state", "action"},
	)

	m.MirrorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_mirror_failures_total",
			Help: "Total number of NORMAL-mode fallback mirror failures",
		},
		[]string{"table"},
	)

	m.PendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_pending_writes",
			Help: "Number of writes persisted to the pending-write store awaiting retry",
		},
	)

	m.SyncingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_syncing_queue_depth",
			Help: "Number of writes currently queued while the proxy is in SYNCING",
		},
	)

	// Change log metrics
	m.ChangelogUnsynced = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dualdb_changelog_unsynced",
			Help: "Number of change-log entries not yet synced to the primary",
		},
	)

	m.ChangelogAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_changelog_appended_total",
			Help: "Total number of change-log entries appended, by operation",
		},
		[]string{"operation"},
	)

	// Sync manager metrics
	m.SyncPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_sync_passes_total",
			Help: "Total number of sync passes, by outcome",
		},
		[]string{"outcome"},
	)

	m.SyncEntriesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dualdb_sync_entries_applied_total",
			Help: "Total number of change-log entries successfully replayed into the primary",
		},
	)

	m.SyncConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dualdb_sync_conflicts_total",
			Help: "Total number of conflicts encountered during sync, by resolution",
		},
		[]string{"winner"},
	)

	m.SyncPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dualdb_sync_pass_duration_seconds",
			Help:    "Sync pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Register all collectors
	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.StateCurrent,
		m.StateTransitions,
		m.StateBlocked,
		m.HealthProbesTotal,
		m.HealthProbeDuration,
		m.ConsecutiveFailures,
		m.ConsecutiveSuccesses,
		m.FencingLockHeld,
		m.FencingToken,
		m.FencingRenewals,
		m.FencingAcquisitions,
		m.WritesTotal,
		m.WriteLatency,
		m.MirrorFailures,
		m.PendingWrites,
		m.SyncingQueueDepth,
		m.ChangelogUnsynced,
		m.ChangelogAppended,
		m.SyncPassesTotal,
		m.SyncEntriesApplied,
		m.SyncConflictsTotal,
		m.SyncPassDuration,
	)

	// Also register the default collectors (go runtime, process info)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware returns HTTP middleware that records request metrics for
// the admin/inspection HTTP surface.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		m.RequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordStateTransition records a successful state transition and
// refreshes the current-state gauge set.
func (m *Metrics) RecordStateTransition(from, to string, allStates []string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
	for _, s := range allStates {
		if s == to {
			m.StateCurrent.WithLabelValues(s).Set(1)
		} else {
			m.StateCurrent.WithLabelValues(s).Set(0)
		}
	}
}

// RecordBlockedTransition records a rejected illegal transition attempt.
func (m *Metrics) RecordBlockedTransition(from, to string) {
	m.StateBlocked.WithLabelValues(from, to).Inc()
}

// RecordHealthProbe records one probe outcome and its latency.
func (m *Metrics) RecordHealthProbe(healthy bool, duration time.Duration) {
	outcome := "success"
	if !healthy {
		outcome = "failure"
	}
	m.HealthProbesTotal.WithLabelValues(outcome).Inc()
	m.HealthProbeDuration.Observe(duration.Seconds())
}

// UpdateHealthCounters refreshes the consecutive-failure/success gauges.
func (m *Metrics) UpdateHealthCounters(failures, successes int) {
	m.ConsecutiveFailures.Set(float64(failures))
	m.ConsecutiveSuccesses.Set(float64(successes))
}

// RecordFencingAcquisition records a lock acquisition attempt outcome.
func (m *Metrics) RecordFencingAcquisition(outcome string) {
	m.FencingAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordFencingRenewal records a renewal attempt outcome.
func (m *Metrics) RecordFencingRenewal(outcome string) {
	m.FencingRenewals.WithLabelValues(outcome).Inc()
}

// UpdateFencingState refreshes the lock-held/token gauges.
func (m *Metrics) UpdateFencingState(held bool, token int64) {
	if held {
		m.FencingLockHeld.Set(1)
	} else {
		m.FencingLockHeld.Set(0)
	}
	m.FencingToken.Set(float64(token))
}

// RecordWrite records one dispatched write's outcome and latency.
func (m *Metrics) RecordWrite(state, action string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.WritesTotal.WithLabelValues(state, action, status).Inc()
	m.WriteLatency.WithLabelValues(state, action).Observe(duration.Seconds())
}

// RecordMirrorFailure records a NORMAL-mode fallback mirror failure.
func (m *Metrics) RecordMirrorFailure(table string) {
	m.MirrorFailures.WithLabelValues(table).Inc()
}

// UpdatePendingWrites refreshes the pending-write-store depth gauge.
func (m *Metrics) UpdatePendingWrites(count float64) {
	m.PendingWrites.Set(count)
}

// UpdateSyncingQueueDepth refreshes the SYNCING-mode queue depth gauge.
func (m *Metrics) UpdateSyncingQueueDepth(count float64) {
	m.SyncingQueueDepth.Set(count)
}

// UpdateChangelogUnsynced refreshes the unsynced change-log entry gauge.
func (m *Metrics) UpdateChangelogUnsynced(count float64) {
	m.ChangelogUnsynced.Set(count)
}

// RecordChangelogAppend records one change-log append by operation kind.
func (m *Metrics) RecordChangelogAppend(operation string) {
	m.ChangelogAppended.WithLabelValues(operation).Inc()
}

// RecordSyncPass records a completed sync pass: its outcome, the number
// of entries it applied, its conflict counts by resolution, and its
// duration.
func (m *Metrics) RecordSyncPass(success bool, applied int, conflictsByWinner map[string]int, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "incomplete"
	}
	m.SyncPassesTotal.WithLabelValues(outcome).Inc()
	m.SyncEntriesApplied.Add(float64(applied))
	for winner, n := range conflictsByWinner {
		m.SyncConflictsTotal.WithLabelValues(winner).Add(float64(n))
	}
	m.SyncPassDuration.Observe(duration.Seconds())
}
