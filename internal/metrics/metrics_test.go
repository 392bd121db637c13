package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ProbeIssued()
	m.ProbeOutcome("timeout")
	m.SubmitAttempt("transient", 0.1)
	m.SetTaskCounts(1, 2)
	m.HostMessage("in", "tick")
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a := New("")
	b := New("")
	a.ProbeIssued()
	a.ProbeIssued()
	if got := testutil.ToFloat64(a.ProbesIssued); got != 2 {
		t.Fatalf("expected 2 probes on a, got %f", got)
	}
	if got := testutil.ToFloat64(b.ProbesIssued); got != 0 {
		t.Fatalf("expected 0 probes on b, got %f", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New("test")
	m.SubmitOutcome("delivered")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_submit_outcomes_total{outcome="delivered"} 1`) {
		t.Fatalf("expected delivered counter in output, got:\n%s", body)
	}
}
