package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// snapshotFormat v1: JSON-encoded SnapshotData.
const snapshotFormat = 1

// StateReader is the read side of the ledger.
type StateReader interface {
	Read(fn func(chain.State) error) error
}

// SnapshotData is the ledger state at a block height. Snapshots are for
// inspection and audits; the simulator does not restore from them.
type SnapshotData struct {
	Height    int64                         `json:"height"`
	StateHash chain.Hash                    `json:"state_hash"`
	Prices    map[string]float64            `json:"prices"`
	Balances  map[string]map[string]float64 `json:"balances"`  // address -> token -> amount
	Names     map[string]string             `json:"names"`     // address -> account name
	Producers map[string]float64            `json:"producers"` // address -> settlement
	Reserves  []contract.PoolReserves       `json:"reserves"`
	CreatedAt time.Time                     `json:"created_at"`
}

// CaptureSnapshot copies the state visible in st.
func CaptureSnapshot(st chain.State) *SnapshotData {
	snap := &SnapshotData{
		Height:    st.Height,
		StateHash: st.Tip,
		Prices:    st.Registry.Prices(),
		Balances:  make(map[string]map[string]float64, len(st.Accounts)),
		Names:     make(map[string]string, len(st.Accounts)),
		Producers: make(map[string]float64, len(st.Producers)),
		Reserves:  st.Reserves(),
		CreatedAt: time.Now().UTC(),
	}
	for _, acc := range st.Accounts {
		addr := acc.Address.String()
		snap.Names[addr] = acc.Name
		holdings := acc.Wallet.Holdings()
		if len(holdings) == 0 {
			continue
		}
		bal := make(map[string]float64, len(holdings))
		for _, h := range holdings {
			bal[h.Token] = h.Amount
		}
		snap.Balances[addr] = bal
	}
	for _, p := range st.Producers {
		snap.Producers[p.Address.String()] = p.Producer.Settlement
	}
	return snap
}

// Supply sums balances and reserves per token.
func (s *SnapshotData) Supply() map[string]float64 {
	out := make(map[string]float64)
	for _, bal := range s.Balances {
		for token, amount := range bal {
			out[token] += amount
		}
	}
	for _, r := range s.Reserves {
		out[r.TokenA] += r.ReserveA
		out[r.TokenB] += r.ReserveB
	}
	return out
}

// SnapshotManager writes and reads snapshot rows.
type SnapshotManager struct {
	db      *sql.DB
	state   StateReader
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, state StateReader, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, state: state, metrics: metrics}
}

// TakeSnapshot captures the current ledger state and saves it. The ledger
// may have moved past height by the time it is read; the snapshot records
// the height it actually saw.
func (sm *SnapshotManager) TakeSnapshot(ctx context.Context, height int64) error {
	start := time.Now()

	var snap *SnapshotData
	if err := sm.state.Read(func(st chain.State) error {
		snap = CaptureSnapshot(st)
		return nil
	}); err != nil {
		return err
	}
	if snap.Height < height {
		return ledger.ErrBlockNotFound.Wrapf("snapshot for height %d taken at %d", height, snap.Height)
	}

	size, err := sm.Save(ctx, snap)
	if err != nil {
		return err
	}
	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	return nil
}

// Save upserts snap keyed by height and returns the encoded size.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO block_log.snapshots
			(snapshot_id, height, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (height) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Height, string(data), snap.StateHash[:], snapshotFormat, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot at %d: %w", snap.Height, err)
	}
	return len(data), nil
}

// LoadLatest returns the newest snapshot, or nil when none exist.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM block_log.snapshots
		ORDER BY height DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LatestHeight is one past the highest stored block, 0 for an empty log.
func (sm *SnapshotManager) LatestHeight(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(number) FROM block_log.blocks`).Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return n.Int64 + 1, nil
}

// LoadBlocksFrom reads stored block headers starting at number.
func (sm *SnapshotManager) LoadBlocksFrom(ctx context.Context, from int64, limit int) ([]BlockRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT number, producer, producer_name, tx_count, failed_count,
		       prices, reserves, state_hash, prev_hash
		FROM block_log.blocks
		WHERE number >= $1
		ORDER BY number ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockRow
	for rows.Next() {
		var b BlockRow
		if err := rows.Scan(
			&b.Number, &b.Producer, &b.ProducerName, &b.TxCount, &b.FailedCount,
			&b.Prices, &b.Reserves, &b.StateHash, &b.PrevHash,
		); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
