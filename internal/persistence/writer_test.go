package persistence_test

import (
	"encoding/json"
	"io/fs"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/persistence"
)

// committedLedger returns a ledger with one producer and one block holding
// a successful swap (keyed) and a failed one.
func committedLedger(t *testing.T) (*chain.Ledger, *chain.Block) {
	t.Helper()
	nop := zerolog.Nop()
	l := chain.New(chain.Options{Seed: 7, Logger: &nop})
	_, err := l.CreateToken("USDC", 1)
	require.NoError(t, err)
	_, err = l.CreateToken("ETH", 3000)
	require.NoError(t, err)

	p := amm.NewProtocol("amm", amm.LiquidityPolicy{})
	_, err = p.CreatePool("USDC", "ETH", 0.003, 100_000, 33.33)
	require.NoError(t, err)
	require.NoError(t, l.AddSupply("USDC", 100_000))
	require.NoError(t, l.AddSupply("ETH", 33.33))
	require.NoError(t, l.DeployContract(p))

	l.CreateProducer("BP_0")
	user := l.CreateAccount("User_0")
	require.NoError(t, l.Mint(user.Address, "USDC", 1_000))

	ok, err := chain.NewTransaction(user, p, amm.SwapCall{TokenIn: "USDC", TokenOut: "ETH", AmountIn: 100}, 0.5)
	require.NoError(t, err)
	bad, err := chain.NewTransaction(user, p, amm.SwapCall{TokenIn: "ETH", TokenOut: "USDC", AmountIn: 5}, 0)
	require.NoError(t, err)

	block := l.CommitTransactions([]*chain.Transaction{ok.WithKey("ext-1"), bad})
	return l, block
}

// ============================================================================
// Test: Row mapping
// ============================================================================

func TestRowsFromBlocks(t *testing.T) {
	_, block := committedLedger(t)

	rows, err := persistence.RowsFromBlocks([]*chain.Block{block})
	require.NoError(t, err)

	require.Len(t, rows.Blocks, 1)
	b := rows.Blocks[0]
	require.Equal(t, int64(0), b.Number)
	require.Equal(t, 2, b.TxCount)
	require.Equal(t, 1, b.FailedCount)
	require.NotNil(t, b.Producer)
	require.Equal(t, "BP_0", *b.ProducerName)
	require.Equal(t, block.StateHash[:], b.StateHash)

	var prices map[string]float64
	require.NoError(t, json.Unmarshal([]byte(b.Prices), &prices))
	require.Equal(t, map[string]float64{"USDC": 1, "ETH": 3000}, prices)

	var reserves []contract.PoolReserves
	require.NoError(t, json.Unmarshal([]byte(b.Reserves), &reserves))
	require.Len(t, reserves, 1)

	require.Len(t, rows.Txs, 2)
	okTx, badTx := rows.Txs[0], rows.Txs[1]
	require.Equal(t, "ext-1", *okTx.IdempotencyKey)
	require.Equal(t, "success", okTx.Status)
	require.Equal(t, 0.5, okTx.GasFee)
	require.JSONEq(t, `{"token_in":"USDC","token_out":"ETH","amount_in":100}`, okTx.Args)
	require.Nil(t, badTx.IdempotencyKey)
	require.Equal(t, "failed", badTx.Status)
	require.NotZero(t, badTx.Code)
	require.NotEmpty(t, badTx.Log)

	// a swap moves one token each way; the failed tx moves nothing
	require.Len(t, rows.Movements, 2)
	require.Equal(t, "swap_in", rows.Movements[0].Type)
	require.Equal(t, "swap_out", rows.Movements[1].Type)
	require.Equal(t, 1, rows.Movements[1].Seq)
}

func TestRowsFromBlocks_NoProducer(t *testing.T) {
	rows, err := persistence.RowsFromBlocks([]*chain.Block{{Number: 3}})
	require.NoError(t, err)
	require.Nil(t, rows.Blocks[0].Producer)
	require.Nil(t, rows.Blocks[0].ProducerName)
	require.Empty(t, rows.Txs)
}

// ============================================================================
// Test: Snapshots
// ============================================================================

func TestCaptureSnapshot_MatchesSupply(t *testing.T) {
	l, block := committedLedger(t)

	var snap *persistence.SnapshotData
	require.NoError(t, l.Read(func(st chain.State) error {
		snap = persistence.CaptureSnapshot(st)
		return nil
	}))

	require.Equal(t, int64(1), snap.Height)
	require.Equal(t, block.StateHash, snap.StateHash)
	require.Len(t, snap.Names, 2)
	require.Len(t, snap.Producers, 1)
	for _, settled := range snap.Producers {
		require.Equal(t, 0.5, settled)
	}

	supply := snap.Supply()
	require.InDelta(t, 101_000, supply["USDC"], 1e-6)
	require.InDelta(t, 33.33, supply["ETH"], 1e-9)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var back persistence.SnapshotData
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, snap.StateHash, back.StateHash)
}

// ============================================================================
// Test: Migrations
// ============================================================================

func TestMigrations_Embedded(t *testing.T) {
	files, err := fs.Glob(persistence.Migrations(), "*.sql")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"000001_block_log.up.sql", "000001_block_log.down.sql"}, files)
}
