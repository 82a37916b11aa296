package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSubmit()
	m.RecordResolved(time.Millisecond)
	m.RecordResubmit()
	m.UpdateRunner(1, 2)
	m.RecordLearned()
	m.RecordRoundFailure()
	m.RecordTimeout()
	m.RecordGiveUp()
	m.RecordRecovery("unique")
	m.RecordTakeover()
	m.RecordSent()
	m.RecordDropped("loss")
}

func TestRecordCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.RecordSubmit()
	m.RecordSubmit()
	m.RecordResolved(5 * time.Millisecond)
	m.RecordRecovery("tiebreak")
	m.RecordDropped("partition")
	m.UpdateRunner(3, 4)

	if got := testutil.ToFloat64(m.Submitted); got != 2 {
		t.Errorf("Expected 2 submitted, got %v", got)
	}
	if got := testutil.ToFloat64(m.Resolved); got != 1 {
		t.Errorf("Expected 1 resolved, got %v", got)
	}
	if got := testutil.ToFloat64(m.Recoveries.WithLabelValues("tiebreak")); got != 1 {
		t.Errorf("Expected 1 tiebreak recovery, got %v", got)
	}
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues("partition")); got != 1 {
		t.Errorf("Expected 1 partition drop, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 3 {
		t.Errorf("Expected queue depth 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.InFlight); got != 4 {
		t.Errorf("Expected 4 in flight, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two clusters in one process must not collide on registration.
	_ = NewMetrics("fastquorum", prometheus.NewRegistry())
	_ = NewMetrics("fastquorum", prometheus.NewRegistry())
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("srv", reg)
	m.RecordLearned()

	s := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "srv_instances_learned_total 1") {
		t.Errorf("metrics output missing learned counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Body.String() != "OK" {
		t.Errorf("Expected OK from /health, got %q", rec.Body.String())
	}
}
