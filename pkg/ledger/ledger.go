// Package ledger implements an append-only, per-aggregate event log with a
// strictly monotonic global sequence and per-aggregate version counters.
// It is the system of record other components replay to reconstruct state;
// durability beyond the in-memory log is delegated to an optional sink.
package ledger

import (
	"sort"
	"sync"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

// Event is one entry in the ledger.
type Event struct {
	ID          int64
	Sequence    int64
	AggregateID string
	Type        string
	Version     int64
	Payload     any
	TimestampMs int64
}

// Sink receives a best-effort mirror of every appended event, for example an
// async Postgres writer. Enqueue must not block the caller.
type Sink interface {
	Enqueue(e Event)
}

// Query selects a page of events.
type Query struct {
	AggregateID   string
	Type          string
	Types         []string
	AfterSequence int64
	SinceMs       int64
	UntilMs       int64
	Limit         int
	Offset        int
}

// Page is a query result.
type Page struct {
	Events  []Event
	Total   int
	HasMore bool
}

// Ledger is the concrete EventLedger component.
type Ledger struct {
	mu sync.Mutex

	clock      clock.Clock
	maxEvents  int
	sink       Sink
	concurrent bool // whether expectedVersion is enforced

	events     []Event // ordered by sequence, oldest first
	nextSeq    int64
	nextID     int64
	aggVersion map[string]int64
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithSink attaches an optional durability sink.
func WithSink(s Sink) Option { return func(l *Ledger) { l.sink = s } }

// WithMaxEvents bounds the in-memory log; 0 means unbounded.
func WithMaxEvents(n int) Option { return func(l *Ledger) { l.maxEvents = n } }

// WithConcurrencyChecking enables or disables expectedVersion enforcement.
func WithConcurrencyChecking(on bool) Option { return func(l *Ledger) { l.concurrent = on } }

// New creates a Ledger. maxEvents of 0 means no eviction.
func New(c clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		clock:      c,
		concurrent: true,
		aggVersion: make(map[string]int64),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append adds one event to the log. expectedVersion of -1 disables the check
// for this call even when concurrency checking is globally enabled.
func (l *Ledger) Append(eventType, aggregateID string, payload any, expectedVersion int64) (Event, error) {
	if eventType == "" {
		return Event{}, apperr.Validation("event type is required")
	}
	if aggregateID == "" {
		return Event{}, apperr.Validation("aggregateId is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.aggVersion[aggregateID]
	if l.concurrent && expectedVersion >= 0 && expectedVersion != current {
		return Event{}, apperr.ConcurrencyConflict(
			"aggregate %s: expected version %d, current version %d", aggregateID, expectedVersion, current)
	}

	ev := l.appendLocked(eventType, aggregateID, payload)
	return ev, nil
}

// appendLocked assumes mu is held.
func (l *Ledger) appendLocked(eventType, aggregateID string, payload any) Event {
	l.nextSeq++
	l.nextID++
	version := l.aggVersion[aggregateID] + 1
	l.aggVersion[aggregateID] = version

	ev := Event{
		ID:          l.nextID,
		Sequence:    l.nextSeq,
		AggregateID: aggregateID,
		Type:        eventType,
		Version:     version,
		Payload:     payload,
		TimestampMs: l.clock.NowMs(),
	}
	l.events = append(l.events, ev)
	l.evictLocked()

	if l.sink != nil {
		l.sink.Enqueue(ev)
	}
	return ev
}

func (l *Ledger) evictLocked() {
	if l.maxEvents <= 0 || len(l.events) <= l.maxEvents {
		return
	}
	overflow := len(l.events) - l.maxEvents
	l.events = append([]Event(nil), l.events[overflow:]...)
}

// BatchItem is one entry in an AppendBatch call.
type BatchItem struct {
	Type            string
	AggregateID     string
	Payload         any
	ExpectedVersion int64
}

// AppendBatch appends all items atomically: either every item is assigned a
// sequence/version, or none are (on the first conflict, nothing is applied).
func (l *Ledger) AppendBatch(items []BatchItem) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(items) == 0 {
		return nil, nil
	}

	// Validate against a scratch copy of current versions so a batch that
	// bumps the same aggregate twice sees its own prior bump.
	scratch := make(map[string]int64, len(l.aggVersion))
	for k, v := range l.aggVersion {
		scratch[k] = v
	}

	for _, it := range items {
		if it.Type == "" {
			return nil, apperr.Validation("event type is required")
		}
		if it.AggregateID == "" {
			return nil, apperr.Validation("aggregateId is required")
		}
		current := scratch[it.AggregateID]
		if l.concurrent && it.ExpectedVersion >= 0 && it.ExpectedVersion != current {
			return nil, apperr.ConcurrencyConflict(
				"aggregate %s: expected version %d, current version %d", it.AggregateID, it.ExpectedVersion, current)
		}
		scratch[it.AggregateID] = current + 1
	}

	out := make([]Event, 0, len(items))
	for _, it := range items {
		out = append(out, l.appendLocked(it.Type, it.AggregateID, it.Payload))
	}
	return out, nil
}

// Query returns a page of events ordered by ascending sequence.
func (l *Ledger) Query(q Query) Page {
	l.mu.Lock()
	defer l.mu.Unlock()

	typeSet := make(map[string]bool, len(q.Types))
	for _, t := range q.Types {
		typeSet[t] = true
	}

	matched := make([]Event, 0)
	for _, e := range l.events {
		if q.AggregateID != "" && e.AggregateID != q.AggregateID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.Type] {
			continue
		}
		if q.AfterSequence > 0 && e.Sequence <= q.AfterSequence {
			continue
		}
		if q.SinceMs > 0 && e.TimestampMs < q.SinceMs {
			continue
		}
		if q.UntilMs > 0 && e.TimestampMs > q.UntilMs {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = total
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := append([]Event(nil), matched[offset:end]...)
	return Page{Events: page, Total: total, HasMore: end < total}
}

// Replay folds all events for one aggregate, in version order, through reducer.
func (l *Ledger) Replay(aggregateID string, reducer func(acc any, e Event) any, initial any) any {
	l.mu.Lock()
	events := make([]Event, 0)
	for _, e := range l.events {
		if e.AggregateID == aggregateID {
			events = append(events, e)
		}
	}
	l.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Version < events[j].Version })

	acc := initial
	for _, e := range events {
		acc = reducer(acc, e)
	}
	return acc
}

// ReplayAll folds every event in global sequence order.
func (l *Ledger) ReplayAll(reducer func(acc any, e Event) any, initial any) any {
	l.mu.Lock()
	events := append([]Event(nil), l.events...)
	l.mu.Unlock()

	acc := initial
	for _, e := range events {
		acc = reducer(acc, e)
	}
	return acc
}

// GetEventsAsOf returns events for aggregateID with timestamp <= asOfMs.
func (l *Ledger) GetEventsAsOf(aggregateID string, asOfMs int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if e.AggregateID == aggregateID && e.TimestampMs <= asOfMs {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// CurrentVersion returns the current version for an aggregate (0 if unknown).
func (l *Ledger) CurrentVersion(aggregateID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aggVersion[aggregateID]
}

// Len reports the number of retained events (after eviction).
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
