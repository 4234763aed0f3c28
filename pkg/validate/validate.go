// Package validate implements the RequestValidator: JSON-RPC envelope
// checks plus pluggable per-method rules and a payload-size bound.
package validate

import (
	"encoding/json"
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
)

// Envelope is the minimal JSON-RPC 2.0 request shape the validator inspects.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

// Rule is a pluggable custom check. Scope of "" applies globally; otherwise
// it applies only to the named method. Returning a non-empty string fails
// the request with that message.
type Rule struct {
	Name    string
	Method  string // "" = global
	Enabled bool
	Check   func(env Envelope, rawBody []byte) string
}

// Config configures a Validator.
type Config struct {
	Strict          bool // enforce jsonrpc=="2.0" and method is a string
	MaxPayloadBytes  int
	AllowedMethods   []string // empty = no restriction
}

// Validator is the concrete RequestValidator component.
type Validator struct {
	mu sync.Mutex

	cfg   Config
	rules []Rule
}

// New creates a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// AddRule registers a custom validation rule.
func (v *Validator) AddRule(r Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules = append(v.rules, r)
}

// Validate checks rawBody against the envelope contract and every enabled
// rule scoped to the parsed method (or global). Errors accumulate; the
// request is invalid if any check fails.
func (v *Validator) Validate(rawBody []byte) (*Envelope, []string) {
	var errs []string

	if v.cfg.MaxPayloadBytes > 0 && len(rawBody) > v.cfg.MaxPayloadBytes {
		errs = append(errs, "payload exceeds maximum size")
	}

	var raw map[string]any
	if err := json.Unmarshal(rawBody, &raw); err != nil {
		errs = append(errs, "expected JSON object")
		return nil, errs
	}

	var env Envelope
	_ = json.Unmarshal(rawBody, &env)

	if v.cfg.Strict {
		if jr, ok := raw["jsonrpc"].(string); !ok || jr != "2.0" {
			errs = append(errs, `jsonrpc must be exactly "2.0"`)
		}
		if m, ok := raw["method"]; !ok {
			errs = append(errs, "method is required")
		} else if _, ok := m.(string); !ok {
			errs = append(errs, "method must be a string")
		}
		if id, present := raw["id"]; present {
			switch id.(type) {
			case string, float64, nil:
			default:
				errs = append(errs, "id must be a string, number, or null")
			}
		}
	}

	if len(v.cfg.AllowedMethods) > 0 && env.Method != "" {
		allowed := false
		for _, m := range v.cfg.AllowedMethods {
			if m == env.Method {
				allowed = true
				break
			}
		}
		if !allowed {
			errs = append(errs, "method not in allowlist")
		}
	}

	v.mu.Lock()
	rules := append([]Rule(nil), v.rules...)
	v.mu.Unlock()

	for _, r := range rules {
		if !r.Enabled || r.Check == nil {
			continue
		}
		if r.Method != "" && r.Method != env.Method {
			continue
		}
		if msg := r.Check(env, rawBody); msg != "" {
			errs = append(errs, msg)
		}
	}

	return &env, errs
}

// AsError converts accumulated validation errors into the envelope-shape
// -32600 apperr, or returns nil if errs is empty.
func AsError(errs []string) *apperr.Error {
	if len(errs) == 0 {
		return nil
	}
	return apperr.InvalidRequest("%s", errs[0]).WithData(map[string]any{"errors": errs})
}
