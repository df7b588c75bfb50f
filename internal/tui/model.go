// Package tui is the terminal dashboard of dexsim watch: a progress bar
// over the scheduled blocks, the pool table and agent group values,
// refreshed from simulator callbacks.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/report"
	"github.com/wonj1012/blockchain-simulator/internal/sim"
)

// ProgressMsg reports a committed block.
type ProgressMsg struct {
	Epoch  int
	Height int64
	Txs    int
	Failed int
}

// SnapshotMsg carries an epoch boundary snapshot.
type SnapshotMsg sim.Snapshot

// DoneMsg ends the run.
type DoneMsg struct{ Err error }

// Feed adapts simulator callbacks to bubbletea messages. Block progress is
// dropped when the UI lags; snapshots and the final result are not.
type Feed struct {
	ch chan tea.Msg
}

func NewFeed(buffer int) *Feed {
	return &Feed{ch: make(chan tea.Msg, buffer)}
}

// OnBlock matches sim.Options.OnBlock.
func (f *Feed) OnBlock(epoch int, b *chain.Block) {
	msg := ProgressMsg{Epoch: epoch, Height: b.Number + 1, Txs: len(b.Receipts), Failed: b.Failed()}
	select {
	case f.ch <- msg:
	default:
	}
}

// OnSnapshot matches sim.Options.OnSnapshot.
func (f *Feed) OnSnapshot(s sim.Snapshot) {
	f.ch <- SnapshotMsg(s)
}

// Finish delivers the run result and closes the feed.
func (f *Feed) Finish(err error) {
	f.ch <- DoneMsg{Err: err}
	close(f.ch)
}

// Listen waits for the next message.
func (f *Feed) Listen() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-f.ch
		if !ok {
			return nil
		}
		return msg
	}
}

var (
	titleStyle  = report.TitleStyle
	mutedStyle  = lipgloss.NewStyle().Foreground(report.MutedColor)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(report.LossColor)
	statusStyle = lipgloss.NewStyle().Foreground(report.GainColor)
)

// Model is the watch dashboard.
type Model struct {
	feed   *Feed
	cancel func()

	total  int64
	epoch  int
	height int64
	txs    int
	failed int

	snap  *sim.Snapshot
	pools table.Model
	bar   progress.Model
	done  bool
	err   error
}

// NewModel watches a run of total blocks. cancel stops the simulation when
// the user quits.
func NewModel(feed *Feed, total int64, cancel func()) *Model {
	pools := table.New(
		table.WithColumns([]table.Column{
			{Title: "Pool", Width: 10},
			{Title: "Reserve A", Width: 16},
			{Title: "Reserve B", Width: 16},
			{Title: "Spot", Width: 12},
			{Title: "Oracle", Width: 12},
			{Title: "TVL", Width: 16},
		}),
		table.WithHeight(5),
	)
	return &Model{
		feed:   feed,
		cancel: cancel,
		total:  total,
		pools:  pools,
		bar:    progress.New(progress.WithDefaultGradient()),
	}
}

func (m *Model) Init() tea.Cmd {
	return m.feed.Listen()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = max(10, msg.Width-20)

	case ProgressMsg:
		m.epoch, m.height = msg.Epoch, msg.Height
		m.txs += msg.Txs
		m.failed += msg.Failed
		return m, m.feed.Listen()

	case SnapshotMsg:
		snap := sim.Snapshot(msg)
		m.snap = &snap
		m.height = snap.Height
		m.pools.SetRows(poolRows(snap))
		return m, m.feed.Listen()

	case DoneMsg:
		m.done, m.err = true, msg.Err
		return m, nil
	}
	return m, nil
}

func poolRows(s sim.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(s.Pools))
	for _, p := range s.Pools {
		rows = append(rows, table.Row{
			p.Pair,
			report.Amount(p.ReserveA, 4),
			report.Amount(p.ReserveB, 4),
			report.Amount(p.SpotPrice, 6),
			report.Amount(p.Oracle, 6),
			report.Amount(p.TVL, 2),
		})
	}
	return rows
}

// Percent is the share of scheduled blocks committed.
func (m *Model) Percent() float64 {
	if m.total <= 0 {
		return 1
	}
	return min(1, float64(m.height)/float64(m.total))
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("dexsim"))
	b.WriteString("\n\n")
	b.WriteString(m.bar.ViewAs(m.Percent()))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("epoch %d  block %d/%d  txs %d  failed %d",
		m.epoch, m.height, m.total, m.txs, m.failed)))
	b.WriteString("\n\n")

	if m.snap != nil {
		b.WriteString(m.pools.View())
		b.WriteString("\n\n")
		for _, g := range m.snap.Groups {
			fmt.Fprintf(&b, "%-10s %4d accounts %18s\n", g.Name, g.Accounts, report.Amount(g.Value, 2))
		}
		fmt.Fprintf(&b, "%-10s %13s %18s\n", "gas", "", report.Amount(m.snap.Settled, 4))
		b.WriteString("\n")
	}

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("run failed: " + m.err.Error()))
	case m.done:
		b.WriteString(statusStyle.Render("run complete"))
	default:
		b.WriteString(mutedStyle.Render("running"))
	}
	b.WriteString(mutedStyle.Render("  (q to quit)"))
	b.WriteString("\n")
	return b.String()
}

// Done reports whether the run finished and its error.
func (m *Model) Done() (bool, error) {
	return m.done, m.err
}
