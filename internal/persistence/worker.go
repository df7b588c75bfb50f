package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// BlockSink stores a batch of committed blocks. Implementations must be
// idempotent: a batch may be written more than once after a retry.
type BlockSink interface {
	WriteBlocks(ctx context.Context, blocks []*chain.Block) error
}

// Snapshotter takes a state snapshot once the block log reaches height.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context, height int64) error
}

// WorkerConfig tunes batching. SnapshotInterval <= 0 disables snapshots.
type WorkerConfig struct {
	BatchSize        int
	FlushTimeout     time.Duration
	SnapshotInterval int64
	MaxBackoff       time.Duration
}

// Worker drains the ledger's persist channel and batch-writes to a sink.
// The ledger sends on that channel with a blocking send, so a slow worker
// stalls block production instead of losing blocks.
type Worker struct {
	sink      BlockSink
	snapshots Snapshotter
	input     <-chan *chain.Block
	cfg       WorkerConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewWorker(sink BlockSink, input <-chan *chain.Block, cfg WorkerConfig, snapshots Snapshotter, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Worker{
		sink:      sink,
		snapshots: snapshots,
		input:     input,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run batches incoming blocks and flushes when the batch is full or the
// flush timeout expires. It returns nil when the input channel is closed
// and ctx.Err() on cancellation, flushing what it holds in both cases.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]*chain.Block, 0, w.cfg.BatchSize)

	timer := time.NewTimer(w.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("blocks", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case block, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flushWithRetry(ctx, batch); err != nil {
						w.logger.Error().Err(err).Int("blocks", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, block)
			if len(batch) >= w.cfg.BatchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without it.
func (w *Worker) flushWithRetry(ctx context.Context, batch []*chain.Block) error {
	backoff := min(100*time.Millisecond, w.cfg.MaxBackoff)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("blocks", len(batch)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, w.cfg.MaxBackoff)
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		w.logger.Debug().Err(err).Msg("flush attempt failed")
	}
}

func (w *Worker) flush(ctx context.Context, batch []*chain.Block) error {
	start := time.Now()

	if err := w.sink.WriteBlocks(ctx, batch); err != nil {
		if w.metrics != nil {
			stage := "write"
			var we *WriteError
			if errors.As(err, &we) {
				stage = we.Stage
			}
			w.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	first, last := batch[0].Number, batch[len(batch)-1].Number
	if w.metrics != nil {
		txs := 0
		for _, b := range batch {
			txs += len(b.Receipts)
		}
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistBlocksWritten.Add(float64(len(batch)))
		w.metrics.PersistTxsWritten.Add(float64(txs))
		w.metrics.PersistLastBlock.Set(float64(last))
	}

	if w.snapshots != nil && w.cfg.SnapshotInterval > 0 {
		// snapshot when the batch crossed a multiple of the interval
		if (last+1)/w.cfg.SnapshotInterval > first/w.cfg.SnapshotInterval {
			if err := w.snapshots.TakeSnapshot(ctx, last+1); err != nil {
				w.logger.Error().Err(err).Int64("height", last+1).Msg("snapshot failed")
			}
		}
	}
	return nil
}
