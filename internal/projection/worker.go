package projection

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// NamedStore labels a store in logs and metrics.
type NamedStore struct {
	Name  string
	Store PoolStore
}

// Worker feeds every committed block to the pool stores. It reads from a
// ledger subscription, which drops blocks when the worker falls behind;
// stores are eventually consistent and rebuilt from the block log.
type Worker struct {
	input   <-chan *chain.Block
	stores  []NamedStore
	lastBlk int64
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewWorker(input <-chan *chain.Block, stores []NamedStore, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		input:   input,
		stores:  stores,
		lastBlk: -1,
		metrics: metrics,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled or the subscription is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case block, ok := <-w.input:
			if !ok {
				return nil
			}
			if w.lastBlk >= 0 && block.Number > w.lastBlk+1 {
				w.logger.Warn().
					Int64("from", w.lastBlk+1).
					Int64("to", block.Number-1).
					Msg("projection skipped dropped blocks")
			}
			w.process(ctx, block)
			w.lastBlk = block.Number
		}
	}
}

// LastBlock is the number of the newest block processed, -1 before any.
func (w *Worker) LastBlock() int64 {
	return w.lastBlk
}

func (w *Worker) process(ctx context.Context, block *chain.Block) {
	points := PointsFromBlock(block)
	for _, s := range w.stores {
		start := time.Now()
		if err := s.Store.InsertPoints(ctx, points); err != nil {
			// continue; projections are rebuilt from the block log
			w.logger.Warn().Err(err).Str("projection", s.Name).Int64("block", block.Number).Msg("projection update failed")
			if w.metrics != nil {
				w.metrics.ProjectionErrors.WithLabelValues(s.Name).Inc()
			}
			continue
		}
		if w.metrics != nil {
			w.metrics.ProjectionUpdateDur.WithLabelValues(s.Name).Observe(time.Since(start).Seconds())
		}
	}
}
