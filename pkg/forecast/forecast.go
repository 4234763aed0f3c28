// Package forecast implements UsageForecastEngine: bucketed EMA and linear
// regression over usage history, with anomaly detection.
package forecast

import (
	"math"
	"sort"
	"sync"

	"github.com/metergate/meterproxy/internal/clock"
)

// Trend classifies a forecast's direction.
type Trend string

const (
	Stable  Trend = "stable"
	Rising  Trend = "rising"
	Falling Trend = "falling"
)

// Bucket is one bucketed aggregate of credits consumed.
type Bucket struct {
	StartMs int64
	Credits float64
}

// Forecast is the result of Forecast.
type Forecast struct {
	DailyProjection     float64
	Slope               float64
	RSquared            float64
	Trend               Trend
	DaysUntilExhaustion *int
}

// AnomalyKind classifies a detected anomaly.
type AnomalyKind string

const (
	Spike AnomalyKind = "spike"
	Drop  AnomalyKind = "drop"
)

// Anomaly is the result of CheckAnomaly.
type Anomaly struct {
	Kind      AnomalyKind
	Deviation float64
}

// Config tunes engine behavior.
type Config struct {
	BucketSeconds     int64
	EmaAlpha          float64
	AnomalyThreshold  float64
}

type keyState struct {
	buckets map[int64]*Bucket
	ema     float64
	emaSet  bool
	points  int
}

// Engine is the concrete UsageForecastEngine component.
type Engine struct {
	mu sync.Mutex

	clock clock.Clock
	cfg   Config
	keys  map[string]*keyState
}

// New creates an Engine.
func New(c clock.Clock, cfg Config) *Engine {
	if cfg.BucketSeconds <= 0 {
		cfg.BucketSeconds = 3600
	}
	if cfg.EmaAlpha <= 0 {
		cfg.EmaAlpha = 0.2
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = 2.0
	}
	return &Engine{clock: c, cfg: cfg, keys: make(map[string]*keyState)}
}

func (e *Engine) stateLocked(key string) *keyState {
	ks, ok := e.keys[key]
	if !ok {
		ks = &keyState{buckets: make(map[int64]*Bucket)}
		e.keys[key] = ks
	}
	return ks
}

// Record aggregates credits consumed into the current time bucket and
// updates the key's EMA.
func (e *Engine) Record(key string, credits float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ks := e.stateLocked(key)
	bucketStart := (e.clock.NowMs() / 1000 / e.cfg.BucketSeconds) * e.cfg.BucketSeconds
	b, ok := ks.buckets[bucketStart]
	if !ok {
		b = &Bucket{StartMs: bucketStart * 1000}
		ks.buckets[bucketStart] = b
	}
	b.Credits += credits
	ks.points++

	if !ks.emaSet {
		ks.ema = credits
		ks.emaSet = true
	} else {
		ks.ema = e.cfg.EmaAlpha*credits + (1-e.cfg.EmaAlpha)*ks.ema
	}
}

func sortedBuckets(ks *keyState) []*Bucket {
	out := make([]*Bucket, 0, len(ks.buckets))
	for _, b := range ks.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

// Forecast projects daily usage and trend from the last 7 days of buckets.
func (e *Engine) Forecast(key string, balance *float64) Forecast {
	e.mu.Lock()
	defer e.mu.Unlock()

	ks, ok := e.keys[key]
	if !ok {
		return Forecast{Trend: Stable}
	}

	bucketsPerDay := float64(86400) / float64(e.cfg.BucketSeconds)
	now := e.clock.NowMs()
	cutoff := now - 7*86400*1000

	var recent []*Bucket
	for _, b := range sortedBuckets(ks) {
		if b.StartMs >= cutoff {
			recent = append(recent, b)
		}
	}
	if len(recent) == 0 {
		return Forecast{Trend: Stable}
	}

	var sum float64
	for _, b := range recent {
		sum += b.Credits
	}
	avgPerBucket := sum / float64(len(recent))
	dailyProjection := avgPerBucket * bucketsPerDay

	slope, rSquared := linearRegression(recent)

	trend := Stable
	if dailyProjection != 0 {
		relative := math.Abs(slope*bucketsPerDay) / math.Abs(dailyProjection)
		if relative >= 0.05 {
			if slope > 0 {
				trend = Rising
			} else {
				trend = Falling
			}
		}
	}

	f := Forecast{
		DailyProjection: dailyProjection,
		Slope:           slope,
		RSquared:        rSquared,
		Trend:           trend,
	}
	if balance != nil && dailyProjection > 0 {
		days := int(math.Round(*balance / dailyProjection))
		f.DaysUntilExhaustion = &days
	}
	return f
}

func linearRegression(buckets []*Bucket) (slope, rSquared float64) {
	n := float64(len(buckets))
	if n < 2 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, b := range buckets {
		x := float64(i)
		y := b.Credits
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i, b := range buckets {
		x := float64(i)
		pred := slope*x + intercept
		ssRes += (b.Credits - pred) * (b.Credits - pred)
		ssTot += (b.Credits - meanY) * (b.Credits - meanY)
	}
	if ssTot == 0 {
		return slope, 0
	}
	rSquared = 1 - ssRes/ssTot
	return slope, rSquared
}

// CheckAnomaly compares recentCredits against the key's EMA and the standard
// deviation of its last 24 buckets.
func (e *Engine) CheckAnomaly(key string, recentCredits float64) (Anomaly, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ks, ok := e.keys[key]
	if !ok || ks.points < 10 || !ks.emaSet || ks.ema == 0 {
		return Anomaly{}, false
	}

	all := sortedBuckets(ks)
	start := 0
	if len(all) > 24 {
		start = len(all) - 24
	}
	window := all[start:]

	var sum float64
	for _, b := range window {
		sum += b.Credits
	}
	mean := sum / float64(len(window))

	var variance float64
	for _, b := range window {
		variance += (b.Credits - mean) * (b.Credits - mean)
	}
	variance /= float64(len(window))
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		return Anomaly{}, false
	}

	deviation := math.Abs(recentCredits-ks.ema) / stdDev
	if deviation < e.cfg.AnomalyThreshold {
		return Anomaly{}, false
	}

	kind := Spike
	if recentCredits < ks.ema {
		kind = Drop
	}
	return Anomaly{Kind: kind, Deviation: deviation}, true
}
