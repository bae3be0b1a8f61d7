package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
)

type CredentialDAO interface {
	GetUserKey(ctx context.Context, userID string) (*UserKey, error)
	InsertUserKey(ctx context.Context, k UserKey) error

	GetCredential(ctx context.Context, userID, serviceID string) (*Credential, error)
	UpsertCredential(ctx context.Context, c Credential) error
	DeleteCredential(ctx context.Context, userID, serviceID string) error
	ListCredentials(ctx context.Context, userID string) ([]Credential, error)
	TouchCredential(ctx context.Context, userID, serviceID string, lastUsedAt int64) error

	GetAppCredential(ctx context.Context, serviceID string) (*AppCredential, error)
	UpsertAppCredential(ctx context.Context, c AppCredential) error
	DeleteAppCredential(ctx context.Context, serviceID string) error
}

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value any) error {
	str, ok := value.(string)
	if !ok {
		return errors.New("failed to scan string list")
	}
	return json.Unmarshal([]byte(str), l)
}

type UserKey struct {
	UserID       string        `db:"user_id"`
	EncryptedDEK []byte        `db:"encrypted_dek"`
	KMSKeyID     string        `db:"kms_key_id"`
	CreatedAt    int64         `db:"created_at"`
	RotatedAt    sql.NullInt64 `db:"rotated_at"`
}

type Credential struct {
	UserID     string        `db:"user_id"`
	ServiceID  string        `db:"service_id"`
	AuthType   string        `db:"auth_type"`
	Ciphertext []byte        `db:"ciphertext"`
	Scopes     StringList    `db:"scopes"`
	ExpiresAt  sql.NullInt64 `db:"expires_at"`
	LastUsedAt sql.NullInt64 `db:"last_used_at"`
	CreatedAt  int64         `db:"created_at"`
	UpdatedAt  int64         `db:"updated_at"`
}

type AppCredential struct {
	ServiceID  string `db:"service_id"`
	Ciphertext []byte `db:"ciphertext"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (d *dao) GetUserKey(ctx context.Context, userID string) (*UserKey, error) {
	const query = `SELECT user_id, encrypted_dek, kms_key_id, created_at, rotated_at FROM user_keys WHERE user_id = $1`

	var k UserKey
	err := d.db.GetContext(ctx, &k, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &k, nil
}

func (d *dao) InsertUserKey(ctx context.Context, k UserKey) error {
	const query = `INSERT INTO user_keys (user_id, encrypted_dek, kms_key_id, created_at, rotated_at)
		VALUES (:user_id, :encrypted_dek, :kms_key_id, :created_at, :rotated_at)`

	_, err := d.db.NamedExecContext(ctx, query, k)
	return err
}

func (d *dao) GetCredential(ctx context.Context, userID, serviceID string) (*Credential, error) {
	const query = `SELECT user_id, service_id, auth_type, ciphertext, scopes, expires_at, last_used_at, created_at, updated_at
		FROM credentials WHERE user_id = $1 AND service_id = $2`

	var c Credential
	err := d.db.GetContext(ctx, &c, query, userID, serviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (d *dao) UpsertCredential(ctx context.Context, c Credential) error {
	const query = `INSERT INTO credentials (user_id, service_id, auth_type, ciphertext, scopes, expires_at, last_used_at, created_at, updated_at)
		VALUES (:user_id, :service_id, :auth_type, :ciphertext, :scopes, :expires_at, :last_used_at, :created_at, :updated_at)
		ON CONFLICT (user_id, service_id) DO UPDATE SET
			auth_type = excluded.auth_type,
			ciphertext = excluded.ciphertext,
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`

	_, err := d.db.NamedExecContext(ctx, query, c)
	return err
}

func (d *dao) DeleteCredential(ctx context.Context, userID, serviceID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = $1 AND service_id = $2`, userID, serviceID)
	return err
}

func (d *dao) ListCredentials(ctx context.Context, userID string) ([]Credential, error) {
	const query = `SELECT user_id, service_id, auth_type, ciphertext, scopes, expires_at, last_used_at, created_at, updated_at
		FROM credentials WHERE user_id = $1 ORDER BY created_at DESC, service_id DESC`

	var out []Credential
	if err := d.db.SelectContext(ctx, &out, query, userID); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) TouchCredential(ctx context.Context, userID, serviceID string, lastUsedAt int64) error {
	_, err := d.db.ExecContext(ctx, `UPDATE credentials SET last_used_at = $3 WHERE user_id = $1 AND service_id = $2`,
		userID, serviceID, lastUsedAt)
	return err
}

func (d *dao) GetAppCredential(ctx context.Context, serviceID string) (*AppCredential, error) {
	const query = `SELECT service_id, ciphertext, created_at, updated_at FROM app_credentials WHERE service_id = $1`

	var c AppCredential
	err := d.db.GetContext(ctx, &c, query, serviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (d *dao) UpsertAppCredential(ctx context.Context, c AppCredential) error {
	const query = `INSERT INTO app_credentials (service_id, ciphertext, created_at, updated_at)
		VALUES (:service_id, :ciphertext, :created_at, :updated_at)
		ON CONFLICT (service_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`

	_, err := d.db.NamedExecContext(ctx, query, c)
	return err
}

func (d *dao) DeleteAppCredential(ctx context.Context, serviceID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM app_credentials WHERE service_id = $1`, serviceID)
	return err
}
