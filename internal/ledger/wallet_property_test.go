package ledger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// Any sequence of credits and debits keeps every balance positive, and an
// over-debit fails without touching the balance.
func TestWallet_NeverNegative(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := ledger.NewWallet()
		tokens := []string{"USDC", "ETH", "BTC"}
		model := make(map[string]float64)

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			token := rapid.SampledFrom(tokens).Draw(rt, "token")
			amount := float64(rapid.IntRange(0, 500).Draw(rt, "amount"))

			if rapid.Bool().Draw(rt, "credit") {
				require.NoError(rt, w.Credit(token, amount))
				model[token] += amount
				continue
			}

			before := w.Balance(token)
			err := w.Debit(token, amount)
			switch {
			case !w.Has(token) && before == 0 && err != nil:
				require.True(rt, errors.Is(err, ledger.ErrUnknownAsset))
			case amount > before:
				require.True(rt, errors.Is(err, ledger.ErrInsufficientFunds))
				require.Equal(rt, before, w.Balance(token))
			default:
				require.NoError(rt, err)
				model[token] -= amount
			}
		}

		for _, h := range w.Holdings() {
			require.Greater(rt, h.Amount, 0.0)
			require.Equal(rt, model[h.Token], h.Amount)
		}
		for token, amount := range model {
			if amount == 0 {
				require.False(rt, w.Has(token))
			}
		}
	})
}
