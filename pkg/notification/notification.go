// Package notification implements NotificationManager: event-driven rule
// matching, per-(rule,channel,key) throttling, and template rendering,
// dispatched over a registry of pluggable Channel implementations.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/metergate/meterproxy/internal/clock"
)

// Channel is a delivery target a rule can dispatch to.
type Channel interface {
	Name() string
	Send(ctx context.Context, payload map[string]any, rendered string) error
}

// Registry holds all available notification channels.
type Registry struct {
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel to the registry.
func (r *Registry) Register(c Channel) {
	r.channels[c.Name()] = c
}

// Get returns the channel with the given name.
func (r *Registry) Get(name string) (Channel, bool) {
	c, ok := r.channels[name]
	return c, ok
}

// Rule is one event→channel dispatch rule.
type Rule struct {
	Name        string
	Event       string
	Enabled     bool
	Channels    []string
	ThrottleMs  int64
	Template    string
}

// Result describes the outcome of dispatching one rule to one channel.
type Result struct {
	Rule      string
	Channel   string
	Throttled bool
	Error     error
}

// Manager is the concrete NotificationManager component.
type Manager struct {
	mu sync.Mutex

	clock     clock.Clock
	registry  *Registry
	rules     []Rule
	lastSent  map[string]int64 // key: rule|channel|payloadKey
}

// New creates a Manager dispatching through registry.
func New(c clock.Clock, registry *Registry) *Manager {
	return &Manager{clock: c, registry: registry, lastSent: make(map[string]int64)}
}

// AddRule registers a dispatch rule.
func (m *Manager) AddRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
}

// Dispatch evaluates every enabled rule matching event against payload and
// sends to each of the rule's channels, honoring per-(rule,channel,key)
// throttling.
func (m *Manager) Dispatch(ctx context.Context, event string, payload map[string]any) []Result {
	m.mu.Lock()
	matching := make([]Rule, 0)
	for _, r := range m.rules {
		if r.Enabled && r.Event == event {
			matching = append(matching, r)
		}
	}
	m.mu.Unlock()

	var results []Result
	for _, rule := range matching {
		rendered := Render(rule.Template, payload)
		for _, chName := range rule.Channels {
			results = append(results, m.dispatchOne(ctx, rule, chName, payload, rendered))
		}
	}
	return results
}

func (m *Manager) dispatchOne(ctx context.Context, rule Rule, chName string, payload map[string]any, rendered string) Result {
	payloadKey, _ := payload["key"].(string)
	throttleKey := rule.Name + "|" + chName + "|" + payloadKey

	m.mu.Lock()
	now := m.clock.NowMs()
	last, seen := m.lastSent[throttleKey]
	if seen && rule.ThrottleMs > 0 && now-last < rule.ThrottleMs {
		m.mu.Unlock()
		return Result{Rule: rule.Name, Channel: chName, Throttled: true}
	}
	m.lastSent[throttleKey] = now
	m.mu.Unlock()

	ch, ok := m.registry.Get(chName)
	if !ok {
		return Result{Rule: rule.Name, Channel: chName, Error: fmt.Errorf("notification channel %q not registered", chName)}
	}
	if err := ch.Send(ctx, payload, rendered); err != nil {
		return Result{Rule: rule.Name, Channel: chName, Error: err}
	}
	return Result{Rule: rule.Name, Channel: chName}
}

// Render interpolates {{name}} and {{#if var}}...{{/if}} against payload.
// A conditional block is elided when the named variable is undefined, an
// empty string, or the literal string "false".
func Render(template string, payload map[string]any) string {
	out := renderConditionals(template, payload)
	return renderVariables(out, payload)
}

func renderVariables(s string, payload map[string]any) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 || strings.HasPrefix(s[start:], "{{#if") || strings.HasPrefix(s[start:], "{{/if") {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		name := strings.TrimSpace(s[start+2 : start+end])
		b.WriteString(s[:start])
		b.WriteString(stringify(payload[name]))
		s = s[start+end+2:]
	}
	return b.String()
}

func renderConditionals(s string, payload map[string]any) string {
	for {
		start := strings.Index(s, "{{#if")
		if start < 0 {
			return s
		}
		headerEnd := strings.Index(s[start:], "}}")
		if headerEnd < 0 {
			return s
		}
		varName := strings.TrimSpace(s[start+5 : start+headerEnd])
		bodyStart := start + headerEnd + 2
		closeTag := "{{/if}}"
		closeIdx := strings.Index(s[bodyStart:], closeTag)
		if closeIdx < 0 {
			return s
		}
		body := s[bodyStart : bodyStart+closeIdx]
		rest := s[bodyStart+closeIdx+len(closeTag):]

		if truthy(payload[varName]) {
			s = s[:start] + body + rest
		} else {
			s = s[:start] + rest
		}
	}
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != "" && t != "false"
	case bool:
		return t
	default:
		return true
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
