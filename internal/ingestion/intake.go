package ingestion

import (
	"context"
	"errors"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// ErrIntakeClosed is returned once no further blocks will be committed.
var ErrIntakeClosed = errorsmod.Register(ledger.Codespace, 31, "transaction intake closed")

// Outcome of one intake attempt.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeClosed    Outcome = "closed"
)

// Chain is the part of the ledger intake needs.
type Chain interface {
	Resolver
	Submit(tx *chain.Transaction) error
}

// Intake turns transaction requests into mempool entries. It serves both
// the NATS consumer loop and the HTTP submission endpoint.
type Intake struct {
	chain   Chain
	dedup   *Deduplicator
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewIntake(c Chain, dedup *Deduplicator, metrics *observability.Metrics, logger zerolog.Logger) *Intake {
	return &Intake{
		chain:   c,
		dedup:   dedup,
		metrics: metrics,
		logger:  logger,
	}
}

// Close stops admitting transactions. Called when the chain stops
// producing blocks, so nothing is queued that would never execute.
// Once Close returns no Accept is still submitting.
func (in *Intake) Close() {
	in.mu.Lock()
	was := in.closed
	in.closed = true
	in.mu.Unlock()
	if !was {
		in.logger.Info().Msg("transaction intake closed")
	}
}

func (in *Intake) Closed() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.closed
}

// Accept validates req and queues it for the next block. A duplicate key
// is not an error. After Close every request fails with ErrIntakeClosed.
func (in *Intake) Accept(req TxRequest) (Outcome, error) {
	outcome, err := in.accept(req)
	if in.metrics != nil {
		in.metrics.IngestMessages.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (in *Intake) accept(req TxRequest) (Outcome, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return OutcomeClosed, ErrIntakeClosed
	}
	if err := req.Validate(); err != nil {
		return OutcomeInvalid, err
	}
	tx, err := BuildTransaction(req, in.chain)
	if err != nil {
		return OutcomeInvalid, err
	}

	if in.dedup != nil && !in.dedup.Admit(req.IdempotencyKey) {
		return OutcomeDuplicate, nil
	}
	if err := in.chain.Submit(tx); err != nil {
		if in.dedup != nil {
			in.dedup.Release(req.IdempotencyKey)
		}
		return OutcomeInvalid, err
	}
	return OutcomeAccepted, nil
}

// Run consumes raw messages until ctx is cancelled or input is closed.
// Every message is acked once handled; invalid requests are logged and
// dropped since redelivery cannot fix them. Messages that arrive after
// Close are nakked so the stream keeps them for a later run.
func (in *Intake) Run(ctx context.Context, input <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-input:
			if !ok {
				return nil
			}
			in.handle(raw)
		}
	}
}

func (in *Intake) handle(raw RawMessage) {
	req, err := DecodeTxRequest(raw.Data)
	var outcome Outcome
	if err == nil {
		outcome, err = in.Accept(req)
	} else if in.metrics != nil {
		in.metrics.IngestMessages.WithLabelValues(string(OutcomeInvalid)).Inc()
	}

	if errors.Is(err, ErrIntakeClosed) {
		in.logger.Debug().Str("subject", raw.Subject).Msg("intake closed, returning message")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}
	if err != nil {
		in.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("rejected transaction message")
	} else if outcome == OutcomeDuplicate {
		in.logger.Debug().Str("key", req.IdempotencyKey).Msg("duplicate transaction message")
	}
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
