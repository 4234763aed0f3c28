package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerEvent is the durable projection of a ledger append, shaped for the
// optional Postgres sink — the "persistence collaborator" spec §1 delegates
// durability to. The in-memory EventLedger never blocks on this.
type LedgerEvent struct {
	ID          uuid.UUID
	Sequence    int64
	AggregateID string
	Type        string
	Version     int64
	Payload     json.RawMessage
	Timestamp   time.Time
}

const (
	ledgerBufferSize = 256
	ledgerFlushEvery = 2 * time.Second
	ledgerFlushBatch = 32
)

// PGLedgerSink is an async, buffered writer that mirrors ledger appends
// into Postgres. Adapted from the teacher's audit.Writer: a bounded channel
// drained by a background goroutine, flushed on a timer or when a batch
// fills, entries dropped (with a warning, never blocking the caller) if the
// buffer is full.
type PGLedgerSink struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan LedgerEvent
	wg      sync.WaitGroup
}

// NewPGLedgerSink creates a sink. Call Start to begin flushing.
func NewPGLedgerSink(pool *pgxpool.Pool, logger *slog.Logger) *PGLedgerSink {
	return &PGLedgerSink{
		pool:    pool,
		logger:  logger,
		entries: make(chan LedgerEvent, ledgerBufferSize),
	}
}

// EnsureSchema idempotently creates the ledger_events table.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_events (
			id UUID PRIMARY KEY,
			sequence BIGINT NOT NULL,
			aggregate_id TEXT NOT NULL,
			type TEXT NOT NULL,
			version BIGINT NOT NULL,
			payload JSONB NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating ledger_events table: %w", err)
	}
	return nil
}

// Start launches the background flush loop in a goroutine and returns
// immediately. The loop exits when ctx is cancelled or Close is called.
func (s *PGLedgerSink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Close waits for all pending entries to flush.
func (s *PGLedgerSink) Close() {
	close(s.entries)
	s.wg.Wait()
}

// Enqueue submits an event for async persistence. It never blocks; if the
// buffer is full, the event is dropped and a warning logged.
func (s *PGLedgerSink) Enqueue(e LedgerEvent) {
	select {
	case s.entries <- e:
	default:
		s.logger.Warn("ledger sink buffer full, dropping event",
			"aggregate_id", e.AggregateID, "type", e.Type, "sequence", e.Sequence)
	}
}

func (s *PGLedgerSink) run(ctx context.Context) {
	ticker := time.NewTicker(ledgerFlushEvery)
	defer ticker.Stop()

	batch := make([]LedgerEvent, 0, ledgerFlushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= ledgerFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-s.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *PGLedgerSink) flush(batch []LedgerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range batch {
		id := e.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO ledger_events (id, sequence, aggregate_id, type, version, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			id, e.Sequence, e.AggregateID, e.Type, e.Version, e.Payload, e.Timestamp,
		)
		if err != nil {
			s.logger.Error("flushing ledger event", "error", err, "aggregate_id", e.AggregateID, "sequence", e.Sequence)
		}
	}
}
