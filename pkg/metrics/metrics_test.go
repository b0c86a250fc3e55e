package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qshield/pkg/models"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Observe("GET /healthz", http.StatusOK, 15*time.Millisecond)
	r.Observe("GET /healthz", http.StatusServiceUnavailable, 35*time.Millisecond)
	r.IncEvent("session-started")
	r.IncEvent("session-started")
	r.ObserveVerification(true, 4*time.Millisecond)
	r.ObserveVerification(false, 8*time.Millisecond)
	r.ObserveVerification(true, -time.Millisecond)
	r.SetGauge("agent_sessions", 3)

	snap := r.Snapshot()
	ep := snap.Endpoints["GET /healthz"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 || ep.AverageMillis != 25 || ep.LastStatusCode != 503 {
		t.Fatalf("endpoint stat: %+v", ep)
	}
	if snap.Events["session-started"] != 2 {
		t.Fatalf("events: %v", snap.Events)
	}
	if snap.Verifications["valid"] != 2 || snap.Verifications["invalid"] != 1 {
		t.Fatalf("verifications: %v", snap.Verifications)
	}
	lat := snap.VerifyLatencyMS
	if lat.Count != 3 || lat.MaxMS != 8 || lat.LastMS != 0 || lat.AvgMS != 4 {
		t.Fatalf("verify latency: %+v", lat)
	}
	if snap.Gauges["agent_sessions"] != 3 {
		t.Fatalf("gauges: %v", snap.Gauges)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.IncEvent("zone-violation")
	snap := r.Snapshot()
	snap.Events["zone-violation"] = 99
	snap.Gauges["x"] = 1
	if again := r.Snapshot(); again.Events["zone-violation"] != 1 || len(again.Gauges) != 0 {
		t.Fatalf("snapshot aliased registry state: %+v", again)
	}
}

func TestSortedKeys(t *testing.T) {
	t.Parallel()
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Observe("POST /v1/evidence/verify", http.StatusOK, 12*time.Millisecond)
	r.IncZoneViolation(" FREEZE ")
	r.ObserveVerification(true, time.Millisecond)
	r.SetDroppedEvents(4)
	r.SetGauge("agent_sessions", 7)
	r.ObserveLatency("poll_cycle", 3*time.Millisecond)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE qshield_endpoint_count counter\n",
		`qshield_endpoint_count{endpoint="POST /v1/evidence/verify"} 1`,
		`qshield_endpoint_avg_millis{endpoint="POST /v1/evidence/verify"} 12.000`,
		`qshield_zone_violations_total{level="freeze"} 1`,
		`qshield_chain_verifications_total{outcome="valid"} 1`,
		`qshield_chain_verify_latency_ms{stat="max"} 1`,
		`qshield_events_dropped_total 4`,
		`qshield_gauge{name="agent_sessions"} 7.000`,
		"# TYPE qshield_latency_seconds histogram\n",
		`qshield_latency_seconds_count{name="poll_cycle"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in: %s", want, body)
		}
	}
}

func TestPrometheusOmitsEmptyHistogramFamily(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	writePrometheus(&b, NewRegistry().Snapshot())
	if strings.Contains(b.String(), "latency_seconds") {
		t.Fatalf("unexpected histogram family: %s", b.String())
	}
	if !strings.Contains(b.String(), "qshield_events_dropped_total 0") {
		t.Fatalf("missing dropped counter: %s", b.String())
	}
}

func TestJSONHandlerIgnoresEmptyLabels(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.IncEvent("")
	r.IncZoneViolation(" ")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", http.StatusNoContent, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type: %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"generated_at"`) {
		t.Fatalf("missing timestamp: %s", body)
	}
	if strings.Contains(body, `""`) {
		t.Fatalf("empty-label counters in body: %s", body)
	}
}

func TestConsumeCountsEvents(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	ch := make(chan models.Event, 3)
	ch <- models.Event{Type: models.EventSessionStarted}
	ch <- models.Event{Type: models.EventZoneViolation, Metadata: map[string]any{"action": "block"}}
	ch <- models.Event{Type: models.EventZoneViolation}
	close(ch)
	r.Consume(context.Background(), ch)

	snap := r.Snapshot()
	if snap.Events["zone-violation"] != 2 || snap.Events["session-started"] != 1 {
		t.Fatalf("events: %v", snap.Events)
	}
	if snap.ZoneViolations["block"] != 1 || len(snap.ZoneViolations) != 1 {
		t.Fatalf("zone violations: %v", snap.ZoneViolations)
	}
}
