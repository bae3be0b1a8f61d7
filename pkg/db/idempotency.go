package db

import (
	"context"
	"database/sql"
	"errors"
)

type IdempotencyDAO interface {
	GetIdempotencyEntry(ctx context.Context, principalID, key string) (*IdempotencyEntry, error)
	PutIdempotencyEntry(ctx context.Context, e IdempotencyEntry) error
	DeleteIdempotencyEntry(ctx context.Context, principalID, key string) error
}

type IdempotencyEntry struct {
	PrincipalID string `db:"principal_id"`
	Key         string `db:"key"`
	Status      int    `db:"status"`
	Headers     string `db:"headers"`
	Body        []byte `db:"body"`
	CreatedAt   int64  `db:"created_at"`
}

func (d *dao) GetIdempotencyEntry(ctx context.Context, principalID, key string) (*IdempotencyEntry, error) {
	const query = `SELECT principal_id, key, status, headers, body, created_at
		FROM idempotency_cache WHERE principal_id = $1 AND key = $2`

	var e IdempotencyEntry
	err := d.db.GetContext(ctx, &e, query, principalID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (d *dao) PutIdempotencyEntry(ctx context.Context, e IdempotencyEntry) error {
	// Last writer wins on a key race; same key implies same intended effect.
	const query = `INSERT INTO idempotency_cache (principal_id, key, status, headers, body, created_at)
		VALUES (:principal_id, :key, :status, :headers, :body, :created_at)
		ON CONFLICT (principal_id, key) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			created_at = excluded.created_at`

	_, err := d.db.NamedExecContext(ctx, query, e)
	return err
}

func (d *dao) DeleteIdempotencyEntry(ctx context.Context, principalID, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM idempotency_cache WHERE principal_id = $1 AND key = $2`, principalID, key)
	return err
}
