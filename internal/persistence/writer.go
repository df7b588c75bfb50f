package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
)

// maxParams keeps each multi-row INSERT under the Postgres limit of 65535
// bind parameters.
const maxParams = 60_000

// BlockRow represents a row in block_log.blocks.
type BlockRow struct {
	Number       int64
	Producer     *string
	ProducerName *string
	TxCount      int
	FailedCount  int
	Prices       string // JSON
	Reserves     string // JSON
	StateHash    []byte
	PrevHash     []byte
}

// TxRow represents a row in block_log.transactions.
type TxRow struct {
	BlockNumber    int64
	TxIndex        int
	IdempotencyKey *string
	Sender         string
	SenderName     string
	Contract       string
	Function       string
	Args           string // JSON
	GasFee         float64
	Status         string
	Output         float64
	Codespace      string
	Code           uint32
	Log            string
}

// MovementRow represents a row in block_log.movements.
type MovementRow struct {
	BlockNumber int64
	TxIndex     int
	Seq         int
	From        string
	To          string
	Token       string
	Amount      float64
	Type        string
}

// Rows is the relational form of a batch of blocks.
type Rows struct {
	Blocks    []BlockRow
	Txs       []TxRow
	Movements []MovementRow
}

// RowsFromBlocks flattens blocks into insertable rows.
func RowsFromBlocks(blocks []*chain.Block) (Rows, error) {
	var rows Rows
	for _, b := range blocks {
		prices, err := json.Marshal(b.Prices)
		if err != nil {
			return Rows{}, fmt.Errorf("marshal prices of block %d: %w", b.Number, err)
		}
		reserves, err := json.Marshal(b.Reserves)
		if err != nil {
			return Rows{}, fmt.Errorf("marshal reserves of block %d: %w", b.Number, err)
		}

		br := BlockRow{
			Number:      b.Number,
			TxCount:     len(b.Receipts),
			FailedCount: b.Failed(),
			Prices:      string(prices),
			Reserves:    string(reserves),
			StateHash:   append([]byte(nil), b.StateHash[:]...),
			PrevHash:    append([]byte(nil), b.PrevHash[:]...),
		}
		if !b.Producer.IsZero() {
			producer, name := b.Producer.String(), b.ProducerName
			br.Producer, br.ProducerName = &producer, &name
		}
		rows.Blocks = append(rows.Blocks, br)

		for _, r := range b.Receipts {
			args, err := json.Marshal(r.Args)
			if err != nil {
				return Rows{}, fmt.Errorf("marshal args of tx %d/%d: %w", b.Number, r.Index, err)
			}
			tr := TxRow{
				BlockNumber: b.Number,
				TxIndex:     r.Index,
				Sender:      r.Sender.String(),
				SenderName:  r.SenderName,
				Contract:    r.Contract,
				Function:    r.Function,
				Args:        string(args),
				GasFee:      r.GasFee,
				Status:      string(r.Status),
				Output:      r.Output,
				Codespace:   r.Codespace,
				Code:        r.Code,
				Log:         r.Log,
			}
			if r.Key != "" {
				key := r.Key
				tr.IdempotencyKey = &key
			}
			rows.Txs = append(rows.Txs, tr)

			for i, m := range r.Movements {
				rows.Movements = append(rows.Movements, MovementRow{
					BlockNumber: b.Number,
					TxIndex:     r.Index,
					Seq:         i,
					From:        m.From,
					To:          m.To,
					Token:       m.Token,
					Amount:      m.Amount,
					Type:        m.Type.String(),
				})
			}
		}
	}
	return rows, nil
}

// BlockLogWriter writes block rows to Postgres using multi-row INSERTs.
// Every statement is ON CONFLICT DO NOTHING so replays are harmless.
type BlockLogWriter struct {
	db *sql.DB
}

func NewBlockLogWriter(db *sql.DB) *BlockLogWriter {
	return &BlockLogWriter{db: db}
}

// WriteBlocks writes blocks with their transactions and movements in one
// database transaction.
func (w *BlockLogWriter) WriteBlocks(ctx context.Context, blocks []*chain.Block) error {
	rows, err := RowsFromBlocks(blocks)
	if err != nil {
		return err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Stage: "tx_begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	if err := writeBlockRows(ctx, tx, rows.Blocks); err != nil {
		return &WriteError{Stage: "write_blocks", Err: err}
	}
	if err := writeTxRows(ctx, tx, rows.Txs); err != nil {
		return &WriteError{Stage: "write_txs", Err: err}
	}
	if err := writeMovementRows(ctx, tx, rows.Movements); err != nil {
		return &WriteError{Stage: "write_movements", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Stage: "tx_commit", Err: err}
	}
	return nil
}

// WriteError tags a failure with the step that produced it.
type WriteError struct {
	Stage string
	Err   error
}

func (e *WriteError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeBlockRows(ctx context.Context, db execer, blocks []BlockRow) error {
	const cols = 9
	return insertChunked(ctx, db, len(blocks), cols,
		`INSERT INTO block_log.blocks
		(number, producer, producer_name, tx_count, failed_count, prices, reserves, state_hash, prev_hash)
		VALUES `,
		" ON CONFLICT (number) DO NOTHING",
		func(i int) []any {
			b := blocks[i]
			return []any{b.Number, b.Producer, b.ProducerName, b.TxCount, b.FailedCount, b.Prices, b.Reserves, b.StateHash, b.PrevHash}
		})
}

func writeTxRows(ctx context.Context, db execer, txs []TxRow) error {
	const cols = 14
	return insertChunked(ctx, db, len(txs), cols,
		`INSERT INTO block_log.transactions
		(block_number, tx_index, idempotency_key, sender, sender_name, contract, function, args, gas_fee, status, output, codespace, code, log)
		VALUES `,
		" ON CONFLICT DO NOTHING",
		func(i int) []any {
			t := txs[i]
			return []any{
				t.BlockNumber, t.TxIndex, t.IdempotencyKey, t.Sender, t.SenderName, t.Contract, t.Function,
				t.Args, t.GasFee, t.Status, t.Output, t.Codespace, int64(t.Code), t.Log,
			}
		})
}

func writeMovementRows(ctx context.Context, db execer, ms []MovementRow) error {
	const cols = 8
	return insertChunked(ctx, db, len(ms), cols,
		`INSERT INTO block_log.movements
		(block_number, tx_index, seq, from_holder, to_holder, token, amount, movement)
		VALUES `,
		" ON CONFLICT (block_number, tx_index, seq) DO NOTHING",
		func(i int) []any {
			m := ms[i]
			return []any{m.BlockNumber, m.TxIndex, m.Seq, m.From, m.To, m.Token, m.Amount, m.Type}
		})
}

// insertChunked issues prefix + VALUES tuples + suffix in as many
// statements as the parameter limit requires.
func insertChunked(ctx context.Context, db execer, n, cols int, prefix, suffix string, row func(int) []any) error {
	if n == 0 {
		return nil
	}
	per := maxParams / cols
	for start := 0; start < n; start += per {
		end := min(start+per, n)
		query, args := buildInsert(prefix, suffix, cols, end-start, func(i int) []any { return row(start + i) })
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// buildInsert renders a multi-row INSERT with numbered placeholders.
func buildInsert(prefix, suffix string, cols, n int, row func(int) []any) (string, []any) {
	var sb strings.Builder
	sb.WriteString(prefix)
	args := make([]any, 0, n*cols)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteByte(')')
		args = append(args, row(i)...)
	}
	sb.WriteString(suffix)
	return sb.String(), args
}
