package db

import (
	"context"
	"database/sql"
	"errors"
)

type AuthDAO interface {
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	InsertUser(ctx context.Context, u User) error

	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	InsertAPIKey(ctx context.Context, k APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string, revokedAt int64) error
	TouchAPIKey(ctx context.Context, id string, lastUsedAt int64) error

	InsertOAuthState(ctx context.Context, s OAuthState) error
	// ConsumeOAuthState deletes and returns the state row, or nil if absent
	// or expired.
	ConsumeOAuthState(ctx context.Context, state string, now int64) (*OAuthState, error)
}

type User struct {
	ID        string         `db:"id"`
	Email     string         `db:"email"`
	Name      sql.NullString `db:"name"`
	Provider  string         `db:"provider"`
	CreatedAt int64          `db:"created_at"`
}

type Session struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

type APIKey struct {
	ID         string         `db:"id"`
	KeyHash    string         `db:"key_hash"`
	OwnerID    string         `db:"owner_id"`
	Label      sql.NullString `db:"label"`
	Scopes     StringList     `db:"scopes"`
	CreatedAt  int64          `db:"created_at"`
	LastUsedAt sql.NullInt64  `db:"last_used_at"`
	RevokedAt  sql.NullInt64  `db:"revoked_at"`
}

type OAuthState struct {
	State     string `db:"state"`
	UserID    string `db:"user_id"`
	ServiceID string `db:"service_id"`
	CreatedAt int64  `db:"created_at"`
	ExpiresAt int64  `db:"expires_at"`
}

func (d *dao) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := d.db.GetContext(ctx, &u, `SELECT id, email, name, provider, created_at FROM users WHERE email = $1`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (d *dao) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := d.db.GetContext(ctx, &u, `SELECT id, email, name, provider, created_at FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (d *dao) InsertUser(ctx context.Context, u User) error {
	const query = `INSERT INTO users (id, email, name, provider, created_at)
		VALUES (:id, :email, :name, :provider, :created_at)`

	_, err := d.db.NamedExecContext(ctx, query, u)
	return err
}

func (d *dao) InsertSession(ctx context.Context, s Session) error {
	const query = `INSERT INTO sessions (id, user_id, expires_at, created_at)
		VALUES (:id, :user_id, :expires_at, :created_at)`

	_, err := d.db.NamedExecContext(ctx, query, s)
	return err
}

func (d *dao) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := d.db.GetContext(ctx, &s, `SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (d *dao) DeleteSession(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (d *dao) InsertAPIKey(ctx context.Context, k APIKey) error {
	const query = `INSERT INTO api_keys (id, key_hash, owner_id, label, scopes, created_at, last_used_at, revoked_at)
		VALUES (:id, :key_hash, :owner_id, :label, :scopes, :created_at, :last_used_at, :revoked_at)`

	_, err := d.db.NamedExecContext(ctx, query, k)
	return err
}

func (d *dao) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	const query = `SELECT id, key_hash, owner_id, label, scopes, created_at, last_used_at, revoked_at
		FROM api_keys WHERE key_hash = $1`

	var k APIKey
	err := d.db.GetContext(ctx, &k, query, keyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &k, nil
}

func (d *dao) ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]APIKey, error) {
	const query = `SELECT id, key_hash, owner_id, label, scopes, created_at, last_used_at, revoked_at
		FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`

	var out []APIKey
	if err := d.db.SelectContext(ctx, &out, query, ownerID); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) RevokeAPIKey(ctx context.Context, id string, revokedAt int64) error {
	_, err := d.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = $2 WHERE id = $1`, id, revokedAt)
	return err
}

func (d *dao) TouchAPIKey(ctx context.Context, id string, lastUsedAt int64) error {
	_, err := d.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, lastUsedAt)
	return err
}

func (d *dao) InsertOAuthState(ctx context.Context, s OAuthState) error {
	const query = `INSERT INTO oauth_state (state, user_id, service_id, created_at, expires_at)
		VALUES (:state, :user_id, :service_id, :created_at, :expires_at)`

	_, err := d.db.NamedExecContext(ctx, query, s)
	return err
}

func (d *dao) ConsumeOAuthState(ctx context.Context, state string, now int64) (*OAuthState, error) {
	const query = `DELETE FROM oauth_state WHERE state = $1 RETURNING state, user_id, service_id, created_at, expires_at`

	var s OAuthState
	err := d.db.GetContext(ctx, &s, query, state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if s.ExpiresAt <= now {
		return nil, nil
	}
	return &s, nil
}
