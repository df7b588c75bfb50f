package report_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/report"
	"github.com/wonj1012/blockchain-simulator/internal/sim"
)

func TestAmount(t *testing.T) {
	cases := []struct {
		v      float64
		places int32
		want   string
	}{
		{0, 2, "0.00"},
		{999.994, 2, "999.99"},
		{1234567.891, 2, "1,234,567.89"},
		{-4000, 0, "-4,000"},
		{3000, 4, "3,000.0000"},
		{0.000333, 6, "0.000333"},
	}
	for _, c := range cases {
		if got := report.Amount(c.v, c.places); got != c.want {
			t.Errorf("Amount(%v, %d): got %s, want %s", c.v, c.places, got, c.want)
		}
	}
}

func TestChange(t *testing.T) {
	require.Equal(t, "25.00", report.Change(1000, 1250).StringFixed(2))
	require.Equal(t, "-10.00", report.Change(1000, 900).StringFixed(2))
	require.True(t, report.Change(0, 10).IsZero())
}

func snapshot(height int64, users, lps float64) sim.Snapshot {
	return sim.Snapshot{
		Epoch:  1,
		Height: height,
		Prices: map[string]float64{"USDC": 1, "ETH": 3000},
		Groups: []sim.GroupValue{
			{Name: "users", Accounts: 10, Value: users},
			{Name: "providers", Accounts: 2, Value: lps},
		},
		Pools: []sim.PoolSnapshot{{
			Pair: "ETH/USDC", TokenA: "USDC", TokenB: "ETH",
			ReserveA: 90_000, ReserveB: 30, SpotPrice: 30.0 / 90_000, Oracle: 1.0 / 3000, TVL: 180_000,
		}},
		Settled: 1.5,
	}
}

func TestRender(t *testing.T) {
	out := report.Render(snapshot(1000, 10_000, 100_000))
	for _, want := range []string{"Epoch 1", "height 1000", "ETH", "3,000.0000", "users", "10,000.00", "ETH/USDC", "180,000.00", "1.5000"} {
		require.Contains(t, out, want)
	}
	// ETH sorts before USDC
	require.Less(t, strings.Index(out, "ETH "), strings.Index(out, "USDC "))
}

func TestRenderChange(t *testing.T) {
	out := report.RenderChange(snapshot(0, 10_000, 100_000), snapshot(1100, 9_500, 104_000))
	require.Contains(t, out, "Height 0 -> 1100")
	require.Contains(t, out, "-5.00%")
	require.Contains(t, out, "+4.00%")
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, snapshot(5, 1, 1)))
	require.True(t, strings.HasSuffix(buf.String(), "\n"))
}
