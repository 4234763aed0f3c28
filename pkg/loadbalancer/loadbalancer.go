// Package loadbalancer implements LoadBalancer: a backend pool with
// round-robin/weighted/least-connections/random selection and health
// tracking. Backoff after a backend is marked unhealthy is delegated to
// golang.org/x/time/rate so recovery probing is itself rate-limited instead
// of hammering a backend that just tripped its error threshold.
package loadbalancer

import (
	"math/rand"
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"golang.org/x/time/rate"
)

// Strategy selects the pick algorithm.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	Weighted         Strategy = "weighted"
	LeastConnections Strategy = "least_connections"
	Random           Strategy = "random"
)

// Backend is one pool member.
type Backend struct {
	Name              string
	Weight            int
	Healthy           bool
	ActiveConnections int64
	TotalErrors       int64
	AvgLatencyMs      float64
	totalRequests     int64
	limiter           *rate.Limiter // recovery probe throttle once unhealthy
}

// Pick is the result of a selection.
type Pick struct {
	Backend string
	Reason  string
}

// Config configures a Balancer.
type Config struct {
	Strategy       Strategy
	ErrorThreshold int64
	ProbesPerSecond float64 // recovery-probe rate once a backend is unhealthy
}

// Balancer is the concrete LoadBalancer component.
type Balancer struct {
	mu sync.Mutex

	cfg      Config
	backends map[string]*Backend
	order    []string
	rrIndex  int
}

// New creates a Balancer.
func New(cfg Config) *Balancer {
	if cfg.ProbesPerSecond <= 0 {
		cfg.ProbesPerSecond = 1
	}
	return &Balancer{cfg: cfg, backends: make(map[string]*Backend)}
}

// AddBackend registers a backend in the pool.
func (b *Balancer) AddBackend(name string, weight int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if weight <= 0 {
		weight = 1
	}
	b.backends[name] = &Backend{Name: name, Weight: weight, Healthy: true, limiter: rate.NewLimiter(rate.Limit(b.cfg.ProbesPerSecond), 1)}
	b.order = append(b.order, name)
}

func (b *Balancer) healthySubset() []*Backend {
	out := make([]*Backend, 0, len(b.order))
	for _, name := range b.order {
		be := b.backends[name]
		if be.Healthy {
			out = append(out, be)
		} else if be.limiter.Allow() {
			// let one probe request through even while marked unhealthy.
			out = append(out, be)
		}
	}
	return out
}

// Pick selects one backend per the configured strategy.
func (b *Balancer) Pick() (Pick, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := b.healthySubset()
	if len(healthy) == 0 {
		return Pick{}, apperr.Upstream(nil, "no healthy backends available")
	}

	switch b.cfg.Strategy {
	case Weighted:
		return b.pickWeightedLocked(healthy), nil
	case LeastConnections:
		return b.pickLeastConnectionsLocked(healthy), nil
	case Random:
		return b.pickRandomLocked(healthy), nil
	default:
		return b.pickRoundRobinLocked(healthy), nil
	}
}

func (b *Balancer) pickRoundRobinLocked(healthy []*Backend) Pick {
	be := healthy[b.rrIndex%len(healthy)]
	b.rrIndex++
	return Pick{Backend: be.Name, Reason: "round_robin"}
}

func (b *Balancer) pickWeightedLocked(healthy []*Backend) Pick {
	total := 0
	for _, be := range healthy {
		total += be.Weight
	}
	offset := rand.Intn(total)
	cum := 0
	for _, be := range healthy {
		cum += be.Weight
		if offset < cum {
			return Pick{Backend: be.Name, Reason: "weighted"}
		}
	}
	return Pick{Backend: healthy[len(healthy)-1].Name, Reason: "weighted"}
}

func (b *Balancer) pickLeastConnectionsLocked(healthy []*Backend) Pick {
	best := healthy[0]
	for _, be := range healthy[1:] {
		if be.ActiveConnections < best.ActiveConnections {
			best = be
		}
	}
	return Pick{Backend: best.Name, Reason: "least_connections"}
}

func (b *Balancer) pickRandomLocked(healthy []*Backend) Pick {
	be := healthy[rand.Intn(len(healthy))]
	return Pick{Backend: be.Name, Reason: "random"}
}

// RecordRequest updates rolling latency and error counters, auto-marking the
// backend unhealthy when it crosses the error threshold.
func (b *Balancer) RecordRequest(name string, statusCode int, latencyMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	be, ok := b.backends[name]
	if !ok {
		return
	}

	be.totalRequests++
	be.AvgLatencyMs = ((be.AvgLatencyMs * float64(be.totalRequests-1)) + latencyMs) / float64(be.totalRequests)

	if statusCode >= 500 {
		be.TotalErrors++
		if b.cfg.ErrorThreshold > 0 && be.TotalErrors >= b.cfg.ErrorThreshold {
			be.Healthy = false
		}
	}
}

// SetHealth manually sets a backend's health, resetting its error counter on
// recovery.
func (b *Balancer) SetHealth(name string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	be, ok := b.backends[name]
	if !ok {
		return
	}
	be.Healthy = healthy
	if healthy {
		be.TotalErrors = 0
	}
}

// Connect/Disconnect adjust the active-connection gauge for least-connections.
func (b *Balancer) Connect(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[name]; ok {
		be.ActiveConnections++
	}
}

func (b *Balancer) Disconnect(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[name]; ok && be.ActiveConnections > 0 {
		be.ActiveConnections--
	}
}

// Snapshot returns a copy of one backend's state.
func (b *Balancer) Snapshot(name string) (Backend, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	be, ok := b.backends[name]
	if !ok {
		return Backend{}, false
	}
	c := *be
	c.limiter = nil
	return c, true
}
