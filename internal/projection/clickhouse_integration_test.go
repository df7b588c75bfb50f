package projection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/projection"
	"github.com/wonj1012/blockchain-simulator/internal/testutil"
)

func TestClickHouse_PoolHistory(t *testing.T) {
	dsn := testutil.StartClickHouse(t)
	ctx := context.Background()

	store, err := projection.OpenClickHouse(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	l, p := newLedger(t)
	first := commitSwaps(t, l, p, 100)
	second := commitSwaps(t, l, p, 200, 300)

	require.NoError(t, store.InsertPoints(ctx, projection.PointsFromBlock(first)))
	require.NoError(t, store.InsertPoints(ctx, projection.PointsFromBlock(second)))
	// replays collapse under FINAL
	require.NoError(t, store.InsertPoints(ctx, projection.PointsFromBlock(second)))

	got, err := store.History(ctx, "amm", p.Pools()[0].Key().String(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].Block)
	require.Equal(t, uint32(2), got[0].Swaps)
	require.Equal(t, projection.PointsFromBlock(first)[0], got[1])
}
