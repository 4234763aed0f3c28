// Package abtest implements ABTestingManager: stable, sticky variant
// assignment per (experiment, key).
package abtest

import (
	"hash/fnv"
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// Variant is one weighted arm of an experiment.
type Variant struct {
	Name   string
	Weight int
}

// Experiment is one ABTest configuration.
type Experiment struct {
	Name     string
	Variants []Variant
	Running  bool
}

// Assignment is one VariantAssignment.
type Assignment struct {
	Experiment string
	Key        string
	Variant    string
	AssignedAt int64
}

// Manager is the concrete ABTestingManager component.
type Manager struct {
	mu sync.Mutex

	clock       clock.Clock
	experiments map[string]*Experiment
	assignments map[string]map[string]*Assignment // experiment -> key -> assignment
}

// New creates a Manager.
func New(c clock.Clock) *Manager {
	return &Manager{
		clock:       c,
		experiments: make(map[string]*Experiment),
		assignments: make(map[string]map[string]*Assignment),
	}
}

// DefineExperiment registers or replaces an experiment's variants.
func (m *Manager) DefineExperiment(e Experiment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.experiments[e.Name] = &cp
	if _, ok := m.assignments[e.Name]; !ok {
		m.assignments[e.Name] = make(map[string]*Assignment)
	}
}

// Assign returns the key's variant for experiment, assigning deterministically
// on first sight. Once assigned, (experiment,key)→variant is immutable while
// the experiment runs.
func (m *Manager) Assign(experiment, key string) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.experiments[experiment]
	if !ok {
		return nil, apperr.NotFound("experiment %q not found", experiment)
	}
	if !exp.Running {
		return nil, apperr.State("experiment %q is not running", experiment)
	}

	byKey := m.assignments[experiment]
	if a, ok := byKey[key]; ok {
		return a, nil
	}

	variant := pickVariant(exp.Variants, experiment, key)
	a := &Assignment{Experiment: experiment, Key: key, Variant: variant, AssignedAt: m.clock.NowMs()}
	byKey[key] = a
	return a, nil
}

// pickVariant deterministically hashes (experiment,key) into a stable bucket
// across the cumulative variant weights, so repeated calls before an
// assignment is recorded always agree.
func pickVariant(variants []Variant, experiment, key string) string {
	total := 0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		if len(variants) > 0 {
			return variants[0].Name
		}
		return ""
	}

	h := fnv.New32a()
	h.Write([]byte(experiment + "|" + key))
	bucket := int(h.Sum32() % uint32(total))

	cum := 0
	for _, v := range variants {
		cum += v.Weight
		if bucket < cum {
			return v.Name
		}
	}
	return variants[len(variants)-1].Name
}

// StopExperiment halts new assignments; existing assignments remain valid.
func (m *Manager) StopExperiment(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[name]
	if !ok {
		return apperr.NotFound("experiment %q not found", name)
	}
	exp.Running = false
	return nil
}

// Assignments returns all assignments recorded for an experiment.
func (m *Manager) Assignments(experiment string) []Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Assignment, 0, len(m.assignments[experiment]))
	for _, a := range m.assignments[experiment] {
		out = append(out, *a)
	}
	return out
}
