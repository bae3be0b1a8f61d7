package db

import (
	"context"
	"database/sql"
	"errors"
)

// Transaction states.
const (
	TxStatusPending   = "pending"
	TxStatusSucceeded = "succeeded"
	TxStatusFailed    = "failed"
)

type TransactionDAO interface {
	InsertTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactionsByOwner(ctx context.Context, ownerKeyID string, limit int) ([]Transaction, error)
	SetTransactionSucceeded(ctx context.Context, id, result string, updatedAt int64) error
	SetTransactionFailed(ctx context.Context, id, errMsg string, updatedAt int64) error
}

type Transaction struct {
	ID         string         `db:"id"`
	Verb       string         `db:"verb"`
	BusinessID string         `db:"business_id"`
	Input      string         `db:"input"`
	OwnerKeyID string         `db:"owner_key_id"`
	Status     string         `db:"status"`
	Result     sql.NullString `db:"result"`
	Error      sql.NullString `db:"error"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
}

func (d *dao) InsertTransaction(ctx context.Context, t Transaction) error {
	const query = `INSERT INTO transactions (id, verb, business_id, input, owner_key_id, status, result, error, created_at, updated_at)
		VALUES (:id, :verb, :business_id, :input, :owner_key_id, :status, :result, :error, :created_at, :updated_at)`

	_, err := d.db.NamedExecContext(ctx, query, t)
	return err
}

func (d *dao) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	const query = `SELECT id, verb, business_id, input, owner_key_id, status, result, error, created_at, updated_at
		FROM transactions WHERE id = $1`

	var t Transaction
	err := d.db.GetContext(ctx, &t, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (d *dao) ListTransactionsByOwner(ctx context.Context, ownerKeyID string, limit int) ([]Transaction, error) {
	const query = `SELECT id, verb, business_id, input, owner_key_id, status, result, error, created_at, updated_at
		FROM transactions WHERE owner_key_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`

	if limit <= 0 {
		limit = 50
	}
	var out []Transaction
	if err := d.db.SelectContext(ctx, &out, query, ownerKeyID, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) SetTransactionSucceeded(ctx context.Context, id, result string, updatedAt int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE transactions SET status = $2, result = $3, updated_at = $4 WHERE id = $1`,
		id, TxStatusSucceeded, result, updatedAt)
	return err
}

func (d *dao) SetTransactionFailed(ctx context.Context, id, errMsg string, updatedAt int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE transactions SET status = $2, error = $3, updated_at = $4 WHERE id = $1`,
		id, TxStatusFailed, errMsg, updatedAt)
	return err
}
