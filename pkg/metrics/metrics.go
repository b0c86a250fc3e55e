// Package metrics keeps in-process counters for the trust engine and exposes
// them as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Labelled counter families.
const (
	familyEvents        = "events"
	familyVerifications = "verifications"
	familyZones         = "zone_violations"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	counters      map[string]map[string]int64
	gauges        map[string]float64
	droppedEvents int64
	verifyLatency LatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

func (l *LatencyStat) add(ms int64) {
	ms = max(ms, 0)
	l.Count++
	l.TotalMS += ms
	l.LastMS = ms
	l.MaxMS = max(l.MaxMS, ms)
	l.AvgMS = float64(l.TotalMS) / float64(l.Count)
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Events          map[string]int64        `json:"events"`
	Verifications   map[string]int64        `json:"verifications"`
	ZoneViolations  map[string]int64        `json:"zone_violations"`
	Gauges          map[string]float64      `json:"gauges"`
	DroppedEvents   int64                   `json:"dropped_events_total"`
	VerifyLatencyMS LatencyStat             `json:"chain_verify_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: make(map[string]*EndpointStat),
		counters: map[string]map[string]int64{
			familyEvents:        {},
			familyVerifications: {},
			familyZones:         {},
		},
		gauges:     make(map[string]float64),
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

// Observe records one HTTP request against its route pattern.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.endpoint[path]
	if stat == nil {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= http.StatusBadRequest {
		stat.ErrorCount++
	}
	stat.TotalMillis += ms
	stat.MaxMillis = max(stat.MaxMillis, ms)
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) inc(family, label string) {
	if label == "" {
		return
	}
	r.mu.Lock()
	r.counters[family][label]++
	r.mu.Unlock()
}

func (r *Registry) IncEvent(eventType string) {
	r.inc(familyEvents, eventType)
}

func (r *Registry) IncZoneViolation(level string) {
	r.inc(familyZones, strings.ToLower(strings.TrimSpace(level)))
}

// ObserveVerification counts a chain verification and its latency.
func (r *Registry) ObserveVerification(valid bool, d time.Duration) {
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[familyVerifications][outcome]++
	r.verifyLatency.add(d.Milliseconds())
}

func (r *Registry) SetDroppedEvents(n int64) {
	r.mu.Lock()
	r.droppedEvents = n
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Events:          maps.Clone(r.counters[familyEvents]),
		Verifications:   maps.Clone(r.counters[familyVerifications]),
		ZoneViolations:  maps.Clone(r.counters[familyZones]),
		Gauges:          maps.Clone(r.gauges),
		DroppedEvents:   r.droppedEvents,
		VerifyLatencyMS: r.verifyLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	r.mu.RUnlock()
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var b strings.Builder
		writePrometheus(&b, r.Snapshot())
		_, _ = io.WriteString(w, b.String())
	}
}

func writePrometheus(w io.Writer, snap Snapshot) {
	head := func(name, kind, help string) {
		fmt.Fprintf(w, "# HELP qshield_%s %s\n# TYPE qshield_%s %s\n", name, help, name, kind)
	}
	endpoints := SortedKeys(snap.Endpoints)
	endpointFamily := func(name, kind, help string, value func(EndpointStat) string) {
		head(name, kind, help)
		for _, ep := range endpoints {
			fmt.Fprintf(w, "qshield_%s{endpoint=%q} %s\n", name, ep, value(snap.Endpoints[ep]))
		}
	}
	endpointFamily("endpoint_count", "counter", "total requests by endpoint",
		func(s EndpointStat) string { return fmt.Sprint(s.Count) })
	endpointFamily("endpoint_error_count", "counter", "total endpoint errors",
		func(s EndpointStat) string { return fmt.Sprint(s.ErrorCount) })
	endpointFamily("endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds",
		func(s EndpointStat) string { return fmt.Sprintf("%.3f", s.AverageMillis) })

	counted := []struct {
		name, label, help string
		values            map[string]int64
	}{
		{"events_total", "type", "engine events by type", snap.Events},
		{"chain_verifications_total", "outcome", "evidence chain verifications by outcome", snap.Verifications},
		{"zone_violations_total", "level", "protected zone hits by protection level", snap.ZoneViolations},
	}
	for _, c := range counted {
		head(c.name, "counter", c.help)
		for _, k := range SortedKeys(c.values) {
			fmt.Fprintf(w, "qshield_%s{%s=%q} %d\n", c.name, c.label, k, c.values[k])
		}
	}

	head("events_dropped_total", "counter", "events dropped by slow subscribers")
	fmt.Fprintf(w, "qshield_events_dropped_total %d\n", snap.DroppedEvents)

	head("chain_verify_latency_ms", "gauge", "chain verification latency in ms")
	lat := snap.VerifyLatencyMS
	fmt.Fprintf(w, "qshield_chain_verify_latency_ms{stat=\"last\"} %d\n", lat.LastMS)
	fmt.Fprintf(w, "qshield_chain_verify_latency_ms{stat=\"avg\"} %.3f\n", lat.AvgMS)
	fmt.Fprintf(w, "qshield_chain_verify_latency_ms{stat=\"max\"} %d\n", lat.MaxMS)

	head("gauge", "gauge", "operational gauges")
	for _, name := range SortedKeys(snap.Gauges) {
		fmt.Fprintf(w, "qshield_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
	}

	if len(snap.Histograms) == 0 {
		return
	}
	head("latency_seconds", "histogram", "latency histogram")
	for _, h := range snap.Histograms {
		for _, bucket := range h.Buckets {
			fmt.Fprintf(w, "qshield_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
		}
		fmt.Fprintf(w, "qshield_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
		fmt.Fprintf(w, "qshield_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
		fmt.Fprintf(w, "qshield_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	return slices.Sorted(maps.Keys(m))
}
