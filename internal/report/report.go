// Package report renders simulation snapshots for terminals.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/wonj1012/blockchain-simulator/internal/sim"
)

// Color palette
var (
	PrimaryColor = lipgloss.Color("#7C3AED")
	GainColor    = lipgloss.Color("#10B981")
	LossColor    = lipgloss.Color("#EF4444")
	BorderColor  = lipgloss.Color("#374151")
	MutedColor   = lipgloss.Color("#9CA3AF")
)

var (
	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(MutedColor)

	GainStyle = lipgloss.NewStyle().Foreground(GainColor)
	LossStyle = lipgloss.NewStyle().Foreground(LossColor)
)

// Amount formats v with places decimals, grouping thousands.
func Amount(v float64, places int32) string {
	d := decimal.NewFromFloat(v).Round(places)
	s := d.StringFixed(places)

	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		return sign + b.String() + "." + frac
	}
	return sign + b.String()
}

// Change is the relative change from before to after in percent, zero
// when before is zero.
func Change(before, after float64) decimal.Decimal {
	b := decimal.NewFromFloat(before)
	if b.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(after).Sub(b).Div(b).Mul(decimal.NewFromInt(100)).Round(2)
}

func renderChange(pct decimal.Decimal) string {
	text := pct.StringFixed(2) + "%"
	switch pct.Sign() {
	case 1:
		return GainStyle.Render("+" + text)
	case -1:
		return LossStyle.Render(text)
	default:
		return text
	}
}

// Render draws one snapshot: reference prices, value held by each agent
// group and the state of every pool.
func Render(snap sim.Snapshot) string {
	var b strings.Builder

	title := fmt.Sprintf("Epoch %d  height %d  tip %s", snap.Epoch, snap.Height, shortHash(snap.Tip.String()))
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%-8s %16s", "Token", "Price")))
	b.WriteString("\n")
	tokens := make([]string, 0, len(snap.Prices))
	for t := range snap.Prices {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	for _, t := range tokens {
		fmt.Fprintf(&b, "%-8s %16s\n", t, Amount(snap.Prices[t], 4))
	}
	b.WriteString("\n")

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%-10s %8s %18s", "Group", "Accounts", "Value")))
	b.WriteString("\n")
	for _, g := range snap.Groups {
		fmt.Fprintf(&b, "%-10s %8d %18s\n", g.Name, g.Accounts, Amount(g.Value, 2))
	}
	fmt.Fprintf(&b, "%-10s %8s %18s\n", "gas", "", Amount(snap.Settled, 4))
	b.WriteString("\n")

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%-10s %16s %16s %12s %12s %18s", "Pool", "Reserve A", "Reserve B", "Spot", "Oracle", "TVL")))
	for _, p := range snap.Pools {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%-10s %16s %16s %12s %12s %18s",
			p.Pair, Amount(p.ReserveA, 4), Amount(p.ReserveB, 4),
			Amount(p.SpotPrice, 6), Amount(p.Oracle, 6), Amount(p.TVL, 2))
	}

	return PanelStyle.Render(b.String())
}

// RenderChange compares the group values of two snapshots, typically the
// first and last of a run.
func RenderChange(first, last sim.Snapshot) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Height %d -> %d", first.Height, last.Height)))
	b.WriteString("\n\n")
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%-10s %18s %18s %10s", "Group", "Before", "After", "Change")))

	before := make(map[string]float64, len(first.Groups))
	for _, g := range first.Groups {
		before[g.Name] = g.Value
	}
	for _, g := range last.Groups {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%-10s %18s %18s %10s",
			g.Name, Amount(before[g.Name], 2), Amount(g.Value, 2), renderChange(Change(before[g.Name], g.Value)))
	}
	return PanelStyle.Render(b.String())
}

// Write renders snap to w followed by a newline.
func Write(w io.Writer, snap sim.Snapshot) error {
	_, err := fmt.Fprintln(w, Render(snap))
	return err
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
