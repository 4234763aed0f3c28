// Package webhook implements WebhookDeliveryLog and WebhookTemplateEngine:
// outbound HTTP delivery of rendered event payloads with a bounded delivery
// history, grounded on the teacher's Caller/NoopCaller callout pattern
// (pkg/integration) adapted from phone/SMS dispatch to signed HTTP POSTs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
	"github.com/metergate/meterproxy/pkg/notification"
)

// Endpoint is one WebhookEndpoint configuration.
type Endpoint struct {
	ID       string
	URL      string
	Secret   string // HMAC signing secret, empty disables signing
	Events   []string
	Template string
	Enabled  bool
}

// Delivery is one WebhookDeliveryLog entry.
type Delivery struct {
	ID         string
	EndpointID string
	Event      string
	StatusCode int
	Success    bool
	Error      string
	AttemptedAt int64
	Test       bool
}

// Sender performs the outbound HTTP call; production uses httpSender, tests
// inject a fake.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, body []byte) (statusCode int, err error)
}

// httpSender is the default Sender, backed by net/http. No pack example
// reaches for a dedicated webhook-delivery library; a signed POST is a
// direct net/http.Client call, so stdlib is used here deliberately.
type httpSender struct {
	client *http.Client
}

func newHTTPSender() *httpSender {
	return &httpSender{client: &http.Client{Timeout: 10 * time.Second}}
}

func (h *httpSender) Send(ctx context.Context, url string, headers map[string]string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Manager is the concrete WebhookDeliveryLog + WebhookTemplateEngine
// component.
type Manager struct {
	mu sync.Mutex

	clock       clock.Clock
	sender      Sender
	endpoints   map[string]*Endpoint
	deliveries  []Delivery
	maxHistory  int
	seq         int64
}

// New creates a Manager using the default HTTP sender.
func New(c clock.Clock, maxHistory int) *Manager {
	return &Manager{clock: c, sender: newHTTPSender(), endpoints: make(map[string]*Endpoint), maxHistory: maxHistory}
}

// WithSender overrides the delivery transport (for tests).
func (m *Manager) WithSender(s Sender) *Manager {
	m.sender = s
	return m
}

// RegisterEndpoint adds or replaces a webhook endpoint.
func (m *Manager) RegisterEndpoint(e Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.endpoints[e.ID] = &cp
}

// Dispatch delivers event to every enabled endpoint subscribed to it.
func (m *Manager) Dispatch(ctx context.Context, event string, payload map[string]any) []Delivery {
	m.mu.Lock()
	var targets []*Endpoint
	for _, e := range m.endpoints {
		if e.Enabled && subscribesTo(e, event) {
			targets = append(targets, e)
		}
	}
	m.mu.Unlock()

	var results []Delivery
	for _, e := range targets {
		results = append(results, m.deliver(ctx, e, event, payload, false))
	}
	return results
}

// SendTest delivers a synthetic test payload to endpointID regardless of its
// subscription filter, marked Test=true in the delivery log.
func (m *Manager) SendTest(ctx context.Context, endpointID string) (Delivery, error) {
	m.mu.Lock()
	e, ok := m.endpoints[endpointID]
	m.mu.Unlock()
	if !ok {
		return Delivery{}, apperr.NotFound("webhook endpoint %q not found", endpointID)
	}
	payload := map[string]any{"test": true, "endpoint": endpointID}
	return m.deliver(ctx, e, "test", payload, true), nil
}

func subscribesTo(e *Endpoint, event string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

func (m *Manager) deliver(ctx context.Context, e *Endpoint, event string, payload map[string]any, test bool) Delivery {
	body := []byte(notification.Render(e.Template, payload))
	headers := map[string]string{"Content-Type": "application/json"}
	if test {
		headers["X-Meterproxy-Test"] = "true"
	}
	if e.Secret != "" {
		headers["X-Meterproxy-Signature"] = sign(e.Secret, body)
	}

	statusCode, err := m.sender.Send(ctx, e.URL, headers, body)

	d := Delivery{
		EndpointID:  e.ID,
		Event:       event,
		StatusCode:  statusCode,
		Success:     err == nil && statusCode >= 200 && statusCode < 300,
		AttemptedAt: m.clock.NowMs(),
		Test:        test,
	}
	if err != nil {
		d.Error = err.Error()
	}

	m.mu.Lock()
	m.seq++
	d.ID = fmt.Sprintf("whd_%d", m.seq)
	m.deliveries = append(m.deliveries, d)
	if m.maxHistory > 0 && len(m.deliveries) > m.maxHistory {
		m.deliveries = m.deliveries[len(m.deliveries)-m.maxHistory:]
	}
	m.mu.Unlock()

	return d
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// History returns the bounded delivery log, optionally filtered by endpoint.
func (m *Manager) History(endpointID string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if endpointID == "" {
		return append([]Delivery(nil), m.deliveries...)
	}
	var out []Delivery
	for _, d := range m.deliveries {
		if d.EndpointID == endpointID {
			out = append(out, d)
		}
	}
	return out
}
