package tui_test

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/sim"
	"github.com/wonj1012/blockchain-simulator/internal/tui"
)

// ============================================================================
// Feed
// ============================================================================

func TestFeed_DeliversInOrderThenCloses(t *testing.T) {
	feed := tui.NewFeed(4)
	feed.OnBlock(0, &chain.Block{Number: 0})
	feed.OnSnapshot(sim.Snapshot{Epoch: 1, Height: 1})
	feed.Finish(nil)

	listen := feed.Listen()
	require.Equal(t, tui.ProgressMsg{Epoch: 0, Height: 1}, listen())
	require.Equal(t, tui.SnapshotMsg(sim.Snapshot{Epoch: 1, Height: 1}), listen())
	require.Equal(t, tui.DoneMsg{}, listen())
	require.Nil(t, listen())
}

func TestFeed_DropsProgressWhenFull(t *testing.T) {
	feed := tui.NewFeed(1)
	feed.OnBlock(0, &chain.Block{Number: 0})
	feed.OnBlock(0, &chain.Block{Number: 1})

	msg := feed.Listen()()
	if got := msg.(tui.ProgressMsg).Height; got != 1 {
		t.Errorf("got height %d, want 1", got)
	}
}

// ============================================================================
// Model
// ============================================================================

func TestModel_TracksProgressAndSnapshots(t *testing.T) {
	feed := tui.NewFeed(1)
	m := tui.NewModel(feed, 10, nil)

	_, cmd := m.Update(tui.ProgressMsg{Epoch: 0, Height: 5, Txs: 3, Failed: 1})
	require.NotNil(t, cmd)
	require.InDelta(t, 0.5, m.Percent(), 1e-12)

	_, cmd = m.Update(tui.SnapshotMsg(sim.Snapshot{
		Epoch:  1,
		Height: 10,
		Groups: []sim.GroupValue{{Name: "users", Accounts: 3, Value: 4500}},
		Pools:  []sim.PoolSnapshot{{Pair: "ETH/USDC", ReserveA: 9000, ReserveB: 3, TVL: 18_000}},
	}))
	require.NotNil(t, cmd)
	require.Equal(t, 1.0, m.Percent())

	view := m.View()
	require.Contains(t, view, "block 10/10")
	require.Contains(t, view, "txs 3")
	require.Contains(t, view, "failed 1")
	require.Contains(t, view, "ETH/USDC")
	require.Contains(t, view, "4,500.00")
	require.Contains(t, view, "running")
}

func TestModel_DoneShowsResult(t *testing.T) {
	m := tui.NewModel(tui.NewFeed(1), 10, nil)
	_, cmd := m.Update(tui.DoneMsg{})
	require.Nil(t, cmd)
	done, err := m.Done()
	require.True(t, done)
	require.NoError(t, err)
	require.Contains(t, m.View(), "run complete")

	m = tui.NewModel(tui.NewFeed(1), 10, nil)
	m.Update(tui.DoneMsg{Err: errors.New("boom")})
	require.Contains(t, m.View(), "run failed: boom")
}

func TestModel_QuitCancelsRun(t *testing.T) {
	cancelled := false
	m := tui.NewModel(tui.NewFeed(1), 10, func() { cancelled = true })

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.True(t, cancelled)
	require.NotNil(t, cmd)
	require.Equal(t, tea.QuitMsg{}, cmd())
}

func TestModel_ZeroTotalIsComplete(t *testing.T) {
	m := tui.NewModel(tui.NewFeed(1), 0, nil)
	require.Equal(t, 1.0, m.Percent())
}
