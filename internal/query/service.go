// Package query serves read-only views of the live ledger, the pool
// projections and the block log.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	errorsmod "cosmossdk.io/errors"
	"github.com/shopspring/decimal"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	fpmath "github.com/wonj1012/blockchain-simulator/internal/math"
	"github.com/wonj1012/blockchain-simulator/internal/projection"
)

// ErrUnavailable is returned for views whose backing store is not
// configured.
var ErrUnavailable = errorsmod.Register(ledger.Codespace, 30, "view not available")

// ValuePlaces is the rounding of valuations in responses.
const ValuePlaces = 8

// Service answers queries. Live views are read under the ledger's read
// lock, so they are consistent with one block height.
type Service struct {
	ledger  *chain.Ledger
	history *projection.PoolHistory
	db      *sql.DB
}

// NewService builds a query service. history and db may be nil; the views
// they back then return ErrUnavailable.
func NewService(l *chain.Ledger, history *projection.PoolHistory, db *sql.DB) *Service {
	return &Service{ledger: l, history: history, db: db}
}

func (qs *Service) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	err := qs.ledger.Read(func(st chain.State) error {
		resp = StatusResponse{
			Height:      st.Height,
			Tip:         st.Tip,
			MempoolSize: qs.ledger.MempoolSize(),
			Tokens:      st.Registry.Len(),
			Accounts:    len(st.Accounts),
			Producers:   len(st.Producers),
			Contracts:   make([]string, 0, len(st.Contracts)),
		}
		for _, c := range st.Contracts {
			resp.Contracts = append(resp.Contracts, c.Name())
		}
		if n := int64(len(st.Producers)); n > 0 {
			resp.NextProducer = st.Producers[st.Height%n].Name
		}
		return nil
	})
	return &resp, err
}

func (qs *Service) Tokens(ctx context.Context) ([]TokenResponse, error) {
	var out []TokenResponse
	err := qs.ledger.Read(func(st chain.State) error {
		circulating := make(map[string]float64)
		for _, acc := range st.Accounts {
			for _, h := range acc.Wallet.Holdings() {
				circulating[h.Token] += h.Amount
			}
		}
		for _, p := range st.Reserves() {
			circulating[p.TokenA] += p.ReserveA
			circulating[p.TokenB] += p.ReserveB
		}

		for _, name := range st.Registry.Names() {
			out = append(out, TokenResponse{
				Name:           name,
				ReferencePrice: st.Registry.Price(name),
				Circulating:    circulating[name],
				AsOfHeight:     st.Height,
			})
		}
		return nil
	})
	return out, err
}

func (qs *Service) Pools(ctx context.Context) ([]PoolResponse, error) {
	var out []PoolResponse
	err := qs.ledger.Read(func(st chain.State) error {
		for _, p := range st.Reserves() {
			out = append(out, poolResponse(p, st.Registry, st.Height))
		}
		return nil
	})
	return out, err
}

func poolResponse(p contract.PoolReserves, reg *ledger.Registry, height int64) PoolResponse {
	pa, pb := reg.Price(p.TokenA), reg.Price(p.TokenB)
	r := PoolResponse{
		Contract:   p.Contract,
		Pair:       p.Pair,
		TokenA:     p.TokenA,
		TokenB:     p.TokenB,
		ReserveA:   p.ReserveA,
		ReserveB:   p.ReserveB,
		Fee:        p.Fee,
		SpotPrice:  fpmath.SpotPrice(p.ReserveA, p.ReserveB),
		TVL:        p.ReserveA*pa + p.ReserveB*pb,
		AsOfHeight: height,
	}
	if pb > 0 {
		r.OraclePrice = pa / pb
	}
	if d := fpmath.LogDeviation(r.SpotPrice, r.OraclePrice); !math.IsInf(d, 0) {
		r.Deviation = &d
	}
	return r
}

// PoolHistory returns up to limit projected points of one pool, newest
// first.
func (qs *Service) PoolHistory(ctx context.Context, contractName, pair string, limit int) ([]projection.PoolPoint, error) {
	if qs.history == nil {
		return nil, ErrUnavailable.Wrap("pool history projection disabled")
	}
	points := qs.history.Points(contractName, pair, limit)
	if len(points) == 0 {
		return nil, ledger.ErrPoolNotFound.Wrapf("no history for %s %s", contractName, pair)
	}
	return points, nil
}

// Block returns a committed block; a negative number selects the latest.
func (qs *Service) Block(ctx context.Context, number int64) (*BlockResponse, error) {
	var (
		b   *chain.Block
		err error
	)
	if number < 0 {
		if b = qs.ledger.Latest(); b == nil {
			err = ledger.ErrBlockNotFound.Wrap("no blocks committed")
		}
	} else {
		b, err = qs.ledger.Block(number)
	}
	if err != nil {
		return nil, err
	}
	return &BlockResponse{Block: b, TxCount: len(b.Receipts), FailedCount: b.Failed()}, nil
}

func (qs *Service) Account(ctx context.Context, addr ledger.Address) (*AccountResponse, error) {
	acc, err := qs.ledger.Account(addr)
	if err != nil {
		return nil, err
	}

	var resp AccountResponse
	err = qs.ledger.Read(func(st chain.State) error {
		resp = AccountResponse{
			Address:    acc.Address,
			Name:       acc.Name,
			Records:    len(acc.History),
			AsOfHeight: st.Height,
			TotalValue: decimal.Zero,
		}
		for _, h := range acc.Wallet.Holdings() {
			value := decimal.NewFromFloat(h.Amount).Mul(decimal.NewFromFloat(st.Registry.Price(h.Token)))
			resp.Balances = append(resp.Balances, BalanceEntry{
				Token:  h.Token,
				Amount: h.Amount,
				Value:  value.Round(ValuePlaces),
			})
			resp.TotalValue = resp.TotalValue.Add(value)
		}
		resp.TotalValue = resp.TotalValue.Round(ValuePlaces)
		if acc.Producer != nil {
			resp.Producer = true
			resp.Settlement = acc.Producer.Settlement
			resp.BlocksCommitted = acc.Producer.BlocksCommitted
		}
		return nil
	})
	return &resp, err
}

// AccountHistory returns up to limit history records, newest first.
func (qs *Service) AccountHistory(ctx context.Context, addr ledger.Address, limit int) (*AccountHistoryResponse, error) {
	acc, err := qs.ledger.Account(addr)
	if err != nil {
		return nil, err
	}

	resp := &AccountHistoryResponse{Address: addr}
	err = qs.ledger.Read(func(st chain.State) error {
		resp.AsOfHeight = st.Height
		n := len(acc.History)
		if limit <= 0 || limit > n {
			limit = n
		}
		resp.Records = make([]ledger.Record, 0, limit)
		for i := n - 1; i >= n-limit; i-- {
			resp.Records = append(resp.Records, acc.History[i])
		}
		return nil
	})
	return resp, err
}

// --- Admin APIs ---

// VerifyIntegrity checks supply conservation of the live ledger and, with
// a block log configured, the continuity of its persisted hash chain.
func (qs *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{PersistedHeight: -1, AsOfHeight: qs.ledger.Height()}
	if err := qs.ledger.CheckSupply(); err != nil {
		report.SupplyError = err.Error()
	}

	if qs.db != nil {
		breaks, err := qs.hashChainBreaks(ctx)
		if err != nil {
			return nil, fmt.Errorf("hash chain: %w", err)
		}
		report.HashChainBreaks = breaks

		if err := qs.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM block_log.blocks`,
		).Scan(&report.PersistedHeight); err != nil {
			return nil, fmt.Errorf("persisted height: %w", err)
		}
	}

	report.IsHealthy = report.SupplyError == "" && len(report.HashChainBreaks) == 0
	return report, nil
}

func (qs *Service) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT b1.number
		FROM block_log.blocks b1
		JOIN block_log.blocks b2 ON b2.number = b1.number - 1
		WHERE b1.prev_hash != b2.state_hash
		ORDER BY b1.number
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		breaks = append(breaks, n)
	}
	return breaks, rows.Err()
}
