package projection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
	"github.com/wonj1012/blockchain-simulator/internal/projection"
)

func newLedger(t *testing.T) (*chain.Ledger, *amm.Protocol) {
	t.Helper()
	nop := zerolog.Nop()
	l := chain.New(chain.Options{Seed: 3, Logger: &nop})
	_, err := l.CreateToken("USDC", 1)
	require.NoError(t, err)
	_, err = l.CreateToken("ETH", 3000)
	require.NoError(t, err)

	p := amm.NewProtocol("amm", amm.LiquidityPolicy{})
	_, err = p.CreatePool("USDC", "ETH", 0.003, 90_000, 30)
	require.NoError(t, err)
	require.NoError(t, l.AddSupply("USDC", 90_000))
	require.NoError(t, l.AddSupply("ETH", 30))
	require.NoError(t, l.DeployContract(p))
	return l, p
}

func commitSwaps(t *testing.T, l *chain.Ledger, p *amm.Protocol, amounts ...float64) *chain.Block {
	t.Helper()
	user := l.CreateAccount("trader")
	require.NoError(t, l.Mint(user.Address, "USDC", 10_000))
	for _, a := range amounts {
		tx, err := chain.NewTransaction(user, p, amm.SwapCall{TokenIn: "USDC", TokenOut: "ETH", AmountIn: a}, 0)
		require.NoError(t, err)
		require.NoError(t, l.Submit(tx))
	}
	return l.CommitBlock()
}

// ============================================================================
// Test: Pool points
// ============================================================================

func TestPointsFromBlock(t *testing.T) {
	l, p := newLedger(t)
	// the last swap exceeds the trader's balance and fails
	block := commitSwaps(t, l, p, 100, 200, 50_000)

	points := projection.PointsFromBlock(block)
	require.Len(t, points, 1)
	pt := points[0]

	require.Equal(t, int64(0), pt.Block)
	require.Equal(t, "amm", pt.Contract)
	require.Equal(t, uint32(2), pt.Swaps)
	require.InDelta(t, 300, pt.Volume, 1e-9)
	require.InDelta(t, 90_300, pt.ReserveA, 1e-9)
	require.InDelta(t, pt.ReserveB/pt.ReserveA, pt.SpotPrice, 1e-15)
	require.InDelta(t, 1.0/3000, pt.Oracle, 1e-15)
	require.InDelta(t, pt.ReserveA+pt.ReserveB*3000, pt.TVL, 1e-6)
}

func TestPoolHistory_NewestFirstAndBounded(t *testing.T) {
	h := projection.NewPoolHistory(3)
	ctx := context.Background()
	for n := int64(0); n < 5; n++ {
		require.NoError(t, h.InsertPoints(ctx, []projection.PoolPoint{{Block: n, Contract: "amm", Pair: "ETH/USDC"}}))
	}

	got := h.Points("amm", "ETH/USDC", 0)
	require.Len(t, got, 3)
	require.Equal(t, []int64{4, 3, 2}, []int64{got[0].Block, got[1].Block, got[2].Block})

	require.Len(t, h.Points("amm", "ETH/USDC", 2), 2)
	require.Empty(t, h.Points("amm", "BTC/USDC", 10))
	require.Equal(t, []string{"amm/ETH/USDC"}, h.Pools())
}

// ============================================================================
// Test: Worker
// ============================================================================

type failingStore struct{}

func (failingStore) InsertPoints(context.Context, []projection.PoolPoint) error {
	return errors.New("clickhouse unavailable")
}

func TestWorker_FeedsStoresFromSubscription(t *testing.T) {
	l, p := newLedger(t)
	feed := l.Subscribe("projection", 16)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	history := projection.NewPoolHistory(10)
	w := projection.NewWorker(feed, []projection.NamedStore{
		{Name: "memory", Store: history},
		{Name: "clickhouse", Store: failingStore{}},
	}, metrics, zerolog.Nop())

	commitSwaps(t, l, p, 10)
	l.CommitBlock()
	l.CloseSubscriptions()

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, int64(1), w.LastBlock())

	pts := history.Points("amm", p.Pools()[0].Key().String(), 0)
	require.Len(t, pts, 2)
	require.Equal(t, uint32(0), pts[0].Swaps)
	require.Equal(t, uint32(1), pts[1].Swaps)

	if got := testutil.ToFloat64(metrics.ProjectionErrors.WithLabelValues("clickhouse")); got != 2 {
		t.Errorf("clickhouse errors: got %v, want 2", got)
	}
}

func TestWorker_StopsOnCancel(t *testing.T) {
	feed := make(chan *chain.Block)
	w := projection.NewWorker(feed, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Run(ctx), context.Canceled)
	require.Equal(t, int64(-1), w.LastBlock())
}
