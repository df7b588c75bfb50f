package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TxKeyChecker answers whether an external transaction key has already
// been committed, by looking it up in the block log.
type TxKeyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewTxKeyChecker(db *sql.DB) *TxKeyChecker {
	return &TxKeyChecker{db: db, timeout: 500 * time.Millisecond}
}

func (c *TxKeyChecker) IsDuplicate(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM block_log.transactions
		WHERE idempotency_key = $1
		LIMIT 1
	`, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns up to limit keys of the newest committed external
// transactions, used to warm the in-memory dedup cache on restart.
func (c *TxKeyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT idempotency_key
		FROM block_log.transactions
		WHERE idempotency_key IS NOT NULL
		ORDER BY block_number DESC, tx_index DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
