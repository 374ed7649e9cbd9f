// Package archive implements an optional batch writer that persists
// unified-context snapshots to PostgreSQL. It is a passive observer of the
// realtime core: when disabled nothing here runs and the core keeps no
// persisted state.
package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/athenalab/realtime/internal/config"
	"github.com/athenalab/realtime/internal/model"
)

// batchSender is the slice of pgxpool.Pool the archiver uses.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Metrics holds archiver counters.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// archiveRow is one snapshot prepared for insertion.
type archiveRow struct {
	SessionID string
	UpdatedAt int64 // Unix microseconds
	Snapshot  []byte
}

// Archiver consumes unified-context updates and writes them in batches.
type Archiver struct {
	cfg    config.ArchiveConfig
	logger *slog.Logger

	input <-chan model.UnifiedContext
	db    batchSender

	batch       []archiveRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates an archiver reading snapshots from input.
func New(cfg config.ArchiveConfig, input <-chan model.UnifiedContext, db batchSender, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]archiveRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming snapshots and writing batches.
func (a *Archiver) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.flushTicker = time.NewTicker(a.cfg.FlushInterval)

	a.wg.Add(1)
	go a.consumeLoop()

	a.wg.Add(1)
	go a.flushLoop()

	a.logger.Info("archiver started",
		"batch_size", a.cfg.BatchSize,
		"flush_interval", a.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the loops and performs a final flush.
func (a *Archiver) Stop(ctx context.Context) error {
	a.logger.Info("stopping archiver")

	if a.cancel != nil {
		a.cancel()
	}
	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("archiver stopped")
	case <-ctx.Done():
		a.logger.Warn("archiver stop timed out")
	}

	// The run context is cancelled by now; the final flush rides on the
	// caller's.
	a.flush(ctx)
	return nil
}

// Stats returns current counters.
func (a *Archiver) Stats() Metrics {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()
	return a.metrics
}

func (a *Archiver) consumeLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case u, ok := <-a.input:
			if !ok {
				return
			}
			a.handleSnapshot(u)
		}
	}
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.flushTicker.C:
			a.flush(a.ctx)
		}
	}
}

// handleSnapshot transforms and adds a snapshot to the batch.
func (a *Archiver) handleSnapshot(u model.UnifiedContext) {
	row, err := a.transform(u)
	if err != nil {
		a.logger.Error("snapshot transform failed", "error", err)
		a.batchMu.Lock()
		a.metrics.Errors++
		a.batchMu.Unlock()
		return
	}

	a.batchMu.Lock()
	a.batch = append(a.batch, row)
	shouldFlush := len(a.batch) >= a.cfg.BatchSize
	a.batchMu.Unlock()

	if shouldFlush {
		a.flush(a.ctx)
	}
}

// transform converts a snapshot to an insertable row.
func (a *Archiver) transform(u model.UnifiedContext) (archiveRow, error) {
	snapshot, err := json.Marshal(u)
	if err != nil {
		return archiveRow{}, err
	}
	return archiveRow{
		SessionID: u.SessionID,
		UpdatedAt: u.UpdatedAt.UnixMicro(),
		Snapshot:  snapshot,
	}, nil
}

// flush writes the current batch to the database.
func (a *Archiver) flush(ctx context.Context) {
	a.batchMu.Lock()
	if len(a.batch) == 0 {
		a.batchMu.Unlock()
		return
	}
	batch := a.batch
	a.batch = make([]archiveRow, 0, a.cfg.BatchSize)
	a.batchMu.Unlock()

	start := time.Now()

	conflicts, err := a.batchInsert(ctx, batch)
	if err != nil {
		a.logger.Error("batch insert failed", "error", err, "count", len(batch))
		a.batchMu.Lock()
		a.metrics.Errors++
		a.batchMu.Unlock()
		return
	}

	a.batchMu.Lock()
	a.metrics.Inserts += int64(len(batch) - conflicts)
	a.metrics.Conflicts += int64(conflicts)
	a.metrics.Flushes++
	a.batchMu.Unlock()

	a.logger.Debug("flushed snapshots",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (a *Archiver) batchInsert(ctx context.Context, rows []archiveRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO unified_context_archive (session_id, updated_at, snapshot)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id, updated_at) DO NOTHING
		`, r.SessionID, r.UpdatedAt, r.Snapshot)
	}

	results := a.db.SendBatch(ctx, batch)
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
