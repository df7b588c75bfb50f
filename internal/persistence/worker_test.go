package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
	"github.com/wonj1012/blockchain-simulator/internal/persistence"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	batches  [][]int64
}

func (s *fakeSink) WriteBlocks(_ context.Context, blocks []*chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return &persistence.WriteError{Stage: "write_blocks", Err: errors.New("connection reset")}
	}
	nums := make([]int64, len(blocks))
	for i, b := range blocks {
		nums[i] = b.Number
	}
	s.batches = append(s.batches, nums)
	return nil
}

func (s *fakeSink) written() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int64(nil), s.batches...)
}

type fakeSnapshots struct {
	mu      sync.Mutex
	heights []int64
}

func (f *fakeSnapshots) TakeSnapshot(_ context.Context, height int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heights = append(f.heights, height)
	return nil
}

func blocks(from, to int64) []*chain.Block {
	var out []*chain.Block
	for n := from; n < to; n++ {
		out = append(out, &chain.Block{Number: n})
	}
	return out
}

func runWorker(t *testing.T, w *persistence.Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return cancel, done
}

// ============================================================================
// Test: Batching
// ============================================================================

func TestWorker_FlushesFullBatches(t *testing.T) {
	in := make(chan *chain.Block, 16)
	sink := &fakeSink{}
	w := persistence.NewWorker(sink, in, persistence.WorkerConfig{BatchSize: 3, FlushTimeout: time.Hour}, nil, nil, zerolog.Nop())

	for _, b := range blocks(0, 7) {
		in <- b
	}
	close(in)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, [][]int64{{0, 1, 2}, {3, 4, 5}, {6}}, sink.written())
}

func TestWorker_FlushesOnTimeout(t *testing.T) {
	in := make(chan *chain.Block, 4)
	sink := &fakeSink{}
	w := persistence.NewWorker(sink, in, persistence.WorkerConfig{BatchSize: 100, FlushTimeout: 10 * time.Millisecond}, nil, nil, zerolog.Nop())
	cancel, done := runWorker(t, w)
	defer cancel()

	in <- &chain.Block{Number: 0}

	require.Eventually(t, func() bool { return len(sink.written()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWorker_FlushesPendingOnCancel(t *testing.T) {
	in := make(chan *chain.Block, 4)
	sink := &fakeSink{}
	w := persistence.NewWorker(sink, in, persistence.WorkerConfig{BatchSize: 100, FlushTimeout: time.Hour}, nil, nil, zerolog.Nop())

	in <- &chain.Block{Number: 0}
	in <- &chain.Block{Number: 1}
	cancel, done := runWorker(t, w)

	// wait until both blocks have been taken off the channel
	require.Eventually(t, func() bool { return len(in) == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, [][]int64{{0, 1}}, sink.written())
}

// ============================================================================
// Test: Retry
// ============================================================================

func TestWorker_RetriesUntilWritten(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	in := make(chan *chain.Block, 4)
	sink := &fakeSink{failures: 2}
	w := persistence.NewWorker(sink, in,
		persistence.WorkerConfig{BatchSize: 2, FlushTimeout: time.Hour, MaxBackoff: time.Millisecond},
		nil, metrics, zerolog.Nop())

	for _, b := range blocks(0, 2) {
		in <- b
	}
	close(in)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, [][]int64{{0, 1}}, sink.written())

	if got := testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("write_blocks")); got != 2 {
		t.Errorf("errors: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.PersistRetry); got != 2 {
		t.Errorf("retries: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.PersistBlocksWritten); got != 2 {
		t.Errorf("blocks written: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.PersistLastBlock); got != 1 {
		t.Errorf("last block: got %v, want 1", got)
	}
}

// ============================================================================
// Test: Snapshots
// ============================================================================

func TestWorker_SnapshotsWhenBatchCrossesInterval(t *testing.T) {
	in := make(chan *chain.Block, 16)
	sink := &fakeSink{}
	snaps := &fakeSnapshots{}
	w := persistence.NewWorker(sink, in,
		persistence.WorkerConfig{BatchSize: 3, FlushTimeout: time.Hour, SnapshotInterval: 4},
		snaps, nil, zerolog.Nop())

	// batches cover heights 1-3, 4-6, 7-9, 10: multiples of 4 fall in the
	// second and third
	for _, b := range blocks(0, 10) {
		in <- b
	}
	close(in)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, []int64{6, 9}, snaps.heights)
}
