// Package journal persists order request lifecycle events for post-hoc
// reconciliation. Every submitted request and its eventual outcome (ack,
// reject, or delivery-uncertain timeout) becomes one append-only row, so an
// operator can answer "did the exchange see this order" after a crash or a
// dropped connection.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome labels for journal events.
const (
	EventSubmitted    = "submitted"
	EventAcknowledged = "acknowledged"
	EventRejected     = "rejected"
	EventUncertain    = "uncertain"
)

// Event is one order request lifecycle transition.
type Event struct {
	ReqID   int64
	Kind    string // wire method name
	Event   string
	Summary string
	ErrText string
	At      time.Time
}

// Config controls batching.
type Config struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// Journal is a batching writer for order request events.
type Journal struct {
	cfg    Config
	logger *slog.Logger

	input chan Event
	db    *pgxpool.Pool

	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx      context.Context
	cancel   context.CancelFunc
	flushCtx context.Context // survives cancel so Stop's final flush can write
	wg       sync.WaitGroup

	metrics Metrics
}

// Metrics counts journal activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

type eventRow struct {
	ReqID      int64
	Kind       string
	Event      string
	Summary    string
	ErrText    string
	EventTs    int64 // microseconds
	InstanceID string
}

// New creates a journal backed by the given pool.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &Journal{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan Event, cfg.BufferSize),
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Record enqueues an event without blocking. Events are dropped when the
// buffer is full; the journal is an audit trail, never backpressure on the
// order path.
func (j *Journal) Record(ev Event) {
	select {
	case j.input <- ev:
	default:
		j.batchMu.Lock()
		j.metrics.Dropped++
		j.batchMu.Unlock()
		j.logger.Warn("journal buffer full, event dropped",
			"req_id", ev.ReqID,
			"event", ev.Event,
		)
	}
}

// Start begins consuming events and writing to the database.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.flushCtx = context.WithoutCancel(ctx)
	j.flushTicker = time.NewTicker(j.cfg.FlushInterval)

	j.wg.Add(1)
	go j.consumeLoop()

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the journal.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	if j.cancel != nil {
		j.cancel()
	}

	if j.flushTicker != nil {
		j.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("journal stopped")
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	// Drain whatever the consumer left behind, then final flush.
	j.drainInput()
	j.flush()

	return nil
}

// Stats returns current metrics.
func (j *Journal) Stats() Metrics {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	return j.metrics
}

func (j *Journal) consumeLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.ctx.Done():
			return
		case ev := <-j.input:
			j.handleEvent(ev)
		}
	}
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.flushTicker.C:
			j.flush()
		}
	}
}

func (j *Journal) drainInput() {
	for {
		select {
		case ev := <-j.input:
			j.handleEvent(ev)
		default:
			return
		}
	}
}

func (j *Journal) handleEvent(ev Event) {
	row := j.transform(ev)

	j.batchMu.Lock()
	j.batch = append(j.batch, row)
	shouldFlush := len(j.batch) >= j.cfg.BatchSize
	j.batchMu.Unlock()

	if shouldFlush {
		j.flush()
	}
}

func (j *Journal) transform(ev Event) eventRow {
	return eventRow{
		ReqID:      ev.ReqID,
		Kind:       ev.Kind,
		Event:      ev.Event,
		Summary:    ev.Summary,
		ErrText:    ev.ErrText,
		EventTs:    ev.At.UnixMicro(),
		InstanceID: j.cfg.InstanceID,
	}
}

// flush writes the current batch to the database.
func (j *Journal) flush() {
	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := j.batch
	j.batch = make([]eventRow, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	start := time.Now()

	conflicts, err := j.batchInsert(batch)
	if err != nil {
		j.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
		j.batchMu.Lock()
		j.metrics.Errors++
		j.batchMu.Unlock()
		return
	}

	j.batchMu.Lock()
	j.metrics.Inserts += int64(len(batch) - conflicts)
	j.metrics.Conflicts += int64(conflicts)
	j.metrics.Flushes++
	j.batchMu.Unlock()

	j.logger.Debug("flushed journal events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
// A req_id can appear once per event type; replayed frames after a reconnect
// are conflicts, not duplicates.
func (j *Journal) batchInsert(rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO ws_order_requests (req_id, kind, event, summary, error_text, event_ts, instance_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (req_id, event) DO NOTHING
		`, r.ReqID, r.Kind, r.Event, r.Summary, r.ErrText, r.EventTs, r.InstanceID)
	}

	results := j.db.SendBatch(j.flushCtx, batch)
	defer results.Close()

	for range rows {
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
