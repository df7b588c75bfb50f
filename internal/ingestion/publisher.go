package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// StreamPublisher is the publishing half of jetstream.JetStream.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// BlockPublisher republishes committed blocks on dexsim.blocks.{number}.
// It reads a lossy ledger subscription; consumers that need every block
// read the block log.
type BlockPublisher struct {
	js      StreamPublisher
	input   <-chan *chain.Block
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBlockPublisher(js StreamPublisher, input <-chan *chain.Block, metrics *observability.Metrics, logger zerolog.Logger) *BlockPublisher {
	return &BlockPublisher{
		js:      js,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// BlockSubject is the subject a block is published on.
func BlockSubject(number int64) string {
	return fmt.Sprintf("dexsim.blocks.%d", number)
}

// Run publishes until ctx is cancelled or the subscription is closed.
func (p *BlockPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case block, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, block); err != nil {
				// non-fatal: the block log has the full history
				p.logger.Warn().Err(err).Int64("block", block.Number).Msg("block publish failed")
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

func (p *BlockPublisher) publish(ctx context.Context, block *chain.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	// the message ID lets the stream drop republished blocks
	_, err = p.js.Publish(ctx, BlockSubject(block.Number), data,
		jetstream.WithMsgID(block.StateHash.String()))
	return err
}
