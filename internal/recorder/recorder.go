package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventKind classifies a lifecycle event.
type EventKind string

const (
	KindConnected      EventKind = "connected"
	KindDisconnected   EventKind = "disconnected"
	KindSessionStarted EventKind = "session_started"
	KindSessionLost    EventKind = "session_lost"
)

// Event is one connection or session lifecycle event.
type Event struct {
	ID         uuid.UUID
	Kind       EventKind
	Host       string
	SessionID  string
	OccurredAt time.Time
}

// Config configures a Recorder.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 1 * time.Second,
		BufferSize:    1000,
	}
}

// Metrics counts recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Drops     int64
	Errors    int64
	Flushes   int64
}

// Recorder batches connection and session lifecycle events into the
// connection_events table. It implements the manager's and coordinator's
// observer interfaces so a monitor can record a robot's connectivity history.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	host   string

	db *pgxpool.Pool

	input chan Event

	batch   []Event
	batchMu sync.Mutex

	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Recorder for events about host.
func New(cfg Config, host string, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		host:   host,
		db:     db,
		input:  make(chan Event, cfg.BufferSize),
		batch:  make([]Event, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("event recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping event recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("event recorder stop timed out")
	}

	// Final flush
	r.flush()

	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// Record enqueues an event without blocking; the event is dropped with a
// warning when the buffer is full.
func (r *Recorder) Record(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Host == "" {
		ev.Host = r.host
	}

	select {
	case r.input <- ev:
	default:
		r.batchMu.Lock()
		r.metrics.Drops++
		r.batchMu.Unlock()
		r.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}

// Connected implements the connection observer.
func (r *Recorder) Connected(host string) {
	r.Record(Event{Kind: KindConnected, Host: host})
}

// Disconnected implements the connection observer.
func (r *Recorder) Disconnected(host string) {
	r.Record(Event{Kind: KindDisconnected, Host: host})
}

// SessionStarted implements the session observer.
func (r *Recorder) SessionStarted(id string) {
	r.Record(Event{Kind: KindSessionStarted, SessionID: id})
}

// SessionLost implements the session observer.
func (r *Recorder) SessionLost(id string) {
	r.Record(Event{Kind: KindSessionLost, SessionID: id})
}

// consumeLoop accumulates events into batches.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.input:
			r.batchMu.Lock()
			r.batch = append(r.batch, ev)
			shouldFlush := len(r.batch) >= r.cfg.BatchSize
			r.batchMu.Unlock()

			if shouldFlush {
				r.flush()
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush()
		}
	}
}

// flush writes the current batch to the database.
func (r *Recorder) flush() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}
	batch := r.batch
	r.batch = make([]Event, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts events using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(events []Event) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO connection_events (id, kind, host, session_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, string(ev.Kind), ev.Host, ev.SessionID, ev.OccurredAt)
	}

	results := r.db.SendBatch(r.ctx, batch)
	defer results.Close()

	for range events {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
