package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	if m.RequestsTotal == nil {
		t.Error("Expected RequestsTotal to be initialized")
	}
	if m.WritesTotal == nil {
		t.Error("Expected WritesTotal to be initialized")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()

	m.RequestsTotal.WithLabelValues("/find", "200").Inc()

	handler := m.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "dualdb_requests_total") {
		t.Error("Expected metrics output to contain dualdb_requests_total")
	}
	if !strings.Contains(string(body), "go_") {
		t.Error("Expected metrics output to contain Go runtime metrics")
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()

	var called bool
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if !called {
		t.Error("Handler should have been called")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestMetrics_RecordStateTransition(t *testing.T) {
	m := New()

	all := []string{"NORMAL", "DEGRADED", "SYNCING", "UNAVAILABLE"}
	m.RecordStateTransition("NORMAL", "DEGRADED", all)
	m.RecordBlockedTransition("UNAVAILABLE", "NORMAL")
}

func TestMetrics_RecordHealthProbe(t *testing.T) {
	m := New()

	m.RecordHealthProbe(true, 10*time.Millisecond)
	m.RecordHealthProbe(false, 5*time.Second)
	m.UpdateHealthCounters(3, 0)
}

func TestMetrics_FencingHelpers(t *testing.T) {
	m := New()

	m.RecordFencingAcquisition("success")
	m.RecordFencingRenewal("failure")
	m.UpdateFencingState(true, 42)
}

func TestMetrics_RecordWrite(t *testing.T) {
	m := New()

	m.RecordWrite("NORMAL", "create", 2*time.Millisecond, nil)
	m.RecordWrite("DEGRADED", "update", 4*time.Millisecond, errors.New("boom"))
	m.RecordMirrorFailure("users")
	m.UpdatePendingWrites(3)
	m.UpdateSyncingQueueDepth(7)
}

func TestMetrics_ChangelogHelpers(t *testing.T) {
	m := New()

	m.UpdateChangelogUnsynced(12)
	m.RecordChangelogAppend("insert")
}

func TestMetrics_RecordSyncPass(t *testing.T) {
	m := New()

	m.RecordSyncPass(true, 5, map[string]int{"local": 2, "remote": 1}, 250*time.Millisecond)
	m.RecordSyncPass(false, 0, map[string]int{"manual": 1}, 10*time.Millisecond)
}
