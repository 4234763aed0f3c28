// Package apimetrics implements APIMetricsAggregator: bounded raw call
// records with percentile summaries and per-tool breakdowns.
package apimetrics

import (
	"math"
	"sort"
	"sync"

	"github.com/metergate/meterproxy/internal/clock"
)

// Record is one MetricRecord.
type Record struct {
	Method     string
	Tool       string
	Key        string
	LatencyMs  float64
	StatusCode int
	Credits    int64
	Timestamp  int64
}

// Filter narrows which records a Summary is computed over.
type Filter struct {
	Tool      string
	Key       string
	SinceMs   int64
	UntilMs   int64
}

// Summary is a percentile/count breakdown over matching records.
type Summary struct {
	Count       int
	ErrorCount  int
	TotalCredits int64
	P50LatencyMs float64
	P90LatencyMs float64
	P99LatencyMs float64
	ByTool       map[string]int
}

// Config bounds record retention.
type Config struct {
	MaxRecords int
	MaxAgeMs   int64
}

// Aggregator is the concrete APIMetricsAggregator component.
type Aggregator struct {
	mu sync.Mutex

	clock   clock.Clock
	cfg     Config
	records []Record
}

// New creates an Aggregator.
func New(c clock.Clock, cfg Config) *Aggregator {
	return &Aggregator{clock: c, cfg: cfg}
}

// Record appends a call record, evicting over-capacity or stale entries.
func (a *Aggregator) Record(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Timestamp == 0 {
		r.Timestamp = a.clock.NowMs()
	}
	a.records = append(a.records, r)
	a.evictLocked()
}

func (a *Aggregator) evictLocked() {
	if a.cfg.MaxAgeMs > 0 {
		cutoff := a.clock.NowMs() - a.cfg.MaxAgeMs
		kept := a.records[:0]
		for _, r := range a.records {
			if r.Timestamp >= cutoff {
				kept = append(kept, r)
			}
		}
		a.records = kept
	}
	if a.cfg.MaxRecords > 0 && len(a.records) > a.cfg.MaxRecords {
		excess := len(a.records) - a.cfg.MaxRecords
		a.records = a.records[excess:]
	}
}

func matches(r Record, f Filter) bool {
	if f.Tool != "" && r.Tool != f.Tool {
		return false
	}
	if f.Key != "" && r.Key != f.Key {
		return false
	}
	if f.SinceMs != 0 && r.Timestamp < f.SinceMs {
		return false
	}
	if f.UntilMs != 0 && r.Timestamp > f.UntilMs {
		return false
	}
	return true
}

// percentile returns the p-th percentile (0-100) of a sorted slice using
// ceil(p/100 * n) - 1, clamped to a valid index.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Summarize computes a Summary over records matching the filter.
func (a *Aggregator) Summarize(f Filter) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	var latencies []float64
	byTool := make(map[string]int)
	sum := Summary{}

	for _, r := range a.records {
		if !matches(r, f) {
			continue
		}
		sum.Count++
		sum.TotalCredits += r.Credits
		if r.StatusCode >= 400 {
			sum.ErrorCount++
		}
		byTool[r.Tool]++
		latencies = append(latencies, r.LatencyMs)
	}

	sort.Float64s(latencies)
	sum.P50LatencyMs = percentile(latencies, 50)
	sum.P90LatencyMs = percentile(latencies, 90)
	sum.P99LatencyMs = percentile(latencies, 99)
	sum.ByTool = byTool
	return sum
}

// Len returns the number of retained raw records.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
