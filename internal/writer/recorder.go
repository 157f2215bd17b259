package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/polymarket-data/internal/metrics"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

const insertEvent = `
	INSERT INTO market_events (
		asset_id, market, event_type, event_ts, received_at, dedup_key,
		price, size, side, best_bid, best_ask, payload
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (asset_id, event_type, event_ts, dedup_key) DO NOTHING
`

// EventSource yields market events. *subscription.Subscription satisfies it.
type EventSource interface {
	Next(ctx context.Context) (subscription.Event, error)
}

// BatchSender runs a queued batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// EventRecorder consumes a market event stream and writes it to the
// market_events table.
type EventRecorder struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the subscription manager
	source EventSource

	// Database
	db BatchSender

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	err    error

	// Metrics
	metrics WriterMetrics
}

// NewEventRecorder creates a new EventRecorder.
func NewEventRecorder(
	cfg WriterConfig,
	source EventSource,
	db BatchSender,
	logger *slog.Logger,
) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{
		cfg:    cfg,
		source: source,
		db:     db,
		logger: logger,
		batch:  make([]eventRow, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}
}

// Start begins consuming events and writing to the database.
func (w *EventRecorder) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("event recorder started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder and flushes what is left.
func (w *EventRecorder) Stop(ctx context.Context) error {
	w.logger.Info("stopping event recorder")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("event recorder stopped")
	case <-ctx.Done():
		w.logger.Warn("event recorder stop timed out")
	}

	// Final flush
	w.flush(ctx)

	return nil
}

// Done is closed when the source has ended or the recorder was stopped.
func (w *EventRecorder) Done() <-chan struct{} {
	return w.done
}

// Err returns the terminal source error once Done is closed. Stopping the
// recorder is not an error.
func (w *EventRecorder) Err() error {
	<-w.done
	return w.err
}

// Stats returns current metrics.
func (w *EventRecorder) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the source and accumulates batches.
func (w *EventRecorder) consumeLoop() {
	defer w.wg.Done()
	defer close(w.done)

	for {
		ev, err := w.source.Next(w.ctx)
		if err != nil {
			var lagged *subscription.LaggedError
			if errors.As(err, &lagged) {
				metrics.StreamLaggedTotal.WithLabelValues("recorder").Add(float64(lagged.Count))
				w.batchMu.Lock()
				w.metrics.Lagged += int64(lagged.Count)
				w.batchMu.Unlock()
				w.logger.Warn("recorder fell behind", "dropped", lagged.Count)
				continue
			}
			if w.ctx.Err() != nil {
				return
			}
			w.err = err
			w.logger.Error("event source ended", "error", err)
			return
		}

		w.handleEvent(ev)
	}
}

// flushLoop periodically flushes the batch.
func (w *EventRecorder) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEvent transforms and adds an event to the batch.
func (w *EventRecorder) handleEvent(ev subscription.Event) {
	rows, err := transform(ev)
	if err != nil {
		w.logger.Warn("failed to encode event", "kind", ev.Kind, "error", err)
	}

	w.batchMu.Lock()
	if len(rows) == 0 {
		w.metrics.Skipped++
		w.batchMu.Unlock()
		return
	}
	w.batch = append(w.batch, rows...)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// flush writes the current batch to the database.
func (w *EventRecorder) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	metrics.RecorderFlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		metrics.RecorderRowsTotal.WithLabelValues("error").Add(float64(len(batch)))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	metrics.RecorderRowsTotal.WithLabelValues("inserted").Add(float64(len(batch) - conflicts))
	metrics.RecorderRowsTotal.WithLabelValues("conflict").Add(float64(conflicts))

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed market events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *EventRecorder) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.AssetID, r.Market, r.EventType, r.EventTs, r.ReceivedAt, r.DedupKey,
			r.Price, r.Size, r.Side, r.BestBid, r.BestAsk, r.Payload,
		)
	}

	results := w.db.SendBatch(ctx, batch)
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
