package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type HistogramBucket struct {
	Le    float64 // seconds
	Count int64
}

// Request and verification latencies sit well under a second; a poll cycle
// walks every agent process and can take several.
var (
	fastBounds = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	pollBounds = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
)

func boundsFor(name string) []float64 {
	if strings.HasPrefix(name, "poll_") {
		return pollBounds
	}
	return fastBounds
}

// Histogram is a cumulative bucket counter for one named latency.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

func NewHistogram(name string) *Histogram {
	bounds := boundsFor(name)
	h := &Histogram{name: name, buckets: make([]HistogramBucket, len(bounds))}
	for i, le := range bounds {
		h.buckets[i].Le = le
	}
	return h
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	for i := len(h.buckets) - 1; i >= 0 && sec <= h.buckets[i].Le; i-- {
		h.buckets[i].Count++
	}
}

// Percentile estimates the p-quantile (0..1) as the upper bound of the first
// bucket holding it. Observations beyond the last bound report that bound.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantile(h.buckets, h.count, p)
}

func quantile(buckets []HistogramBucket, count int64, p float64) float64 {
	if count == 0 || len(buckets) == 0 {
		return 0
	}
	target := int64(p * float64(count))
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:    h.name,
		Buckets: append([]HistogramBucket(nil), h.buckets...),
		Sum:     h.sum,
		Count:   h.count,
		P50:     quantile(h.buckets, h.count, 0.50),
		P95:     quantile(h.buckets, h.count, 0.95),
		P99:     quantile(h.buckets, h.count, 0.99),
	}
	return snap
}

// HistogramRegistry holds named histograms such as poll_cycle and chain_verify.
type HistogramRegistry struct {
	mu         sync.Mutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = NewHistogram(name)
		r.histograms[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots are ordered by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	hs := make([]*Histogram, 0, len(r.histograms))
	for _, h := range r.histograms {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	out := make([]HistogramSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
