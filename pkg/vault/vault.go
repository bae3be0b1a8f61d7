// Package vault stores third-party credentials under per-user envelope
// encryption. Each user gets a data encryption key wrapped by the KMS; every
// credential payload is sealed under that key.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agenr-ai/agenr/pkg/audit"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/envelope"
	"github.com/agenr-ai/agenr/pkg/kms"
)

// Supported credential auth types.
const (
	AuthTypeOAuth2            = "oauth2"
	AuthTypeAPIKey            = "api_key"
	AuthTypeCookie            = "cookie"
	AuthTypeBasic             = "basic"
	AuthTypeAppOAuth          = "app_oauth"
	AuthTypeClientCredentials = "client_credentials"
)

// Connection statuses reported by ListConnections.
const (
	StatusConnected = "connected"
	StatusExpired   = "expired"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Payload is the decrypted credential shape. Which fields are set depends on
// the auth type.
type Payload struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	CookieName   string `json:"cookie_name,omitempty"`
	CookieValue  string `json:"cookie_value,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Connection is credential metadata with no secret material.
type Connection struct {
	ServiceID  string     `json:"serviceId"`
	AuthType   string     `json:"authType"`
	Status     string     `json:"status"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type Vault struct {
	dao db.DAO
	kms kms.Client
	log *audit.Logger
}

func New(dao db.DAO, kmsClient kms.Client, auditLog *audit.Logger) *Vault {
	return &Vault{dao: dao, kms: kmsClient, log: auditLog}
}

// NormalizeService canonicalizes a service identifier.
func NormalizeService(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}

// Store seals the payload under the user's data key and upserts the
// credential row. The user key is created on first use; a unique-constraint
// race with a concurrent creator is recovered by reloading the winner's row.
func (v *Vault) Store(ctx context.Context, userID, service, authType string, payload Payload, scopes []string) error {
	service = NormalizeService(service)
	if service == "" {
		return errors.New("service is required")
	}

	key, err := v.ensureUserKey(ctx, userID)
	if err != nil {
		return err
	}

	dek, err := v.kms.DecryptDataKey(ctx, key.EncryptedDEK)
	if err != nil {
		return fmt.Errorf("unwrapping user key: %w", err)
	}
	defer envelope.Zero(dek)

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	defer envelope.Zero(plaintext)

	blob, err := envelope.Seal(plaintext, dek)
	if err != nil {
		return err
	}

	now := db.NowMillis()
	row := db.Credential{
		UserID:     userID,
		ServiceID:  service,
		AuthType:   authType,
		Ciphertext: blob,
		Scopes:     db.StringList(scopes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if row.Scopes == nil {
		row.Scopes = db.StringList{}
	}
	if authType == AuthTypeOAuth2 && payload.ExpiresIn > 0 {
		row.ExpiresAt = sql.NullInt64{Int64: now + payload.ExpiresIn*1000, Valid: true}
	}

	if err := v.dao.UpsertCredential(ctx, row); err != nil {
		return err
	}

	v.log.Log(ctx, audit.Entry{
		UserID:    userID,
		ServiceID: service,
		Action:    audit.ActionCredentialStored,
		Metadata:  map[string]any{"auth_type": authType},
	})
	return nil
}

// Retrieve decrypts and returns the credential payload, updating last-used.
func (v *Vault) Retrieve(ctx context.Context, userID, service string) (*Payload, error) {
	service = NormalizeService(service)

	row, err := v.dao.GetCredential(ctx, userID, service)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCredentialNotFound, userID, service)
	}

	key, err := v.dao.GetUserKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("user key missing for %s", userID)
	}

	var payload Payload
	err = envelope.WithDecryptedCredential(key.EncryptedDEK, row.Ciphertext,
		func(wrapped []byte) ([]byte, error) { return v.kms.DecryptDataKey(ctx, wrapped) },
		func(m map[string]any) error {
			if err := decodePayload(m, &payload); err != nil {
				return err
			}
			return v.dao.TouchCredential(ctx, userID, service, db.NowMillis())
		})
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

func (v *Vault) Delete(ctx context.Context, userID, service string) error {
	service = NormalizeService(service)
	if err := v.dao.DeleteCredential(ctx, userID, service); err != nil {
		return err
	}
	v.log.Log(ctx, audit.Entry{UserID: userID, ServiceID: service, Action: audit.ActionCredentialDeleted})
	return nil
}

// Has reports whether a credential row exists.
func (v *Vault) Has(ctx context.Context, userID, service string) (bool, error) {
	row, err := v.dao.GetCredential(ctx, userID, NormalizeService(service))
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// Meta returns the stored row's metadata without decrypting anything.
func (v *Vault) Meta(ctx context.Context, userID, service string) (*db.Credential, error) {
	row, err := v.dao.GetCredential(ctx, userID, NormalizeService(service))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCredentialNotFound, userID, service)
	}
	return row, nil
}

// ListConnections returns metadata for every credential the user holds,
// newest first.
func (v *Vault) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	rows, err := v.dao.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := db.NowMillis()
	out := make([]Connection, 0, len(rows))
	for _, row := range rows {
		c := Connection{
			ServiceID: row.ServiceID,
			AuthType:  row.AuthType,
			Status:    StatusConnected,
			Scopes:    row.Scopes,
			CreatedAt: time.UnixMilli(row.CreatedAt),
		}
		if c.Scopes == nil {
			c.Scopes = []string{}
		}
		if row.ExpiresAt.Valid {
			t := time.UnixMilli(row.ExpiresAt.Int64)
			c.ExpiresAt = &t
			if row.ExpiresAt.Int64 <= now {
				c.Status = StatusExpired
			}
		}
		if row.LastUsedAt.Valid {
			t := time.UnixMilli(row.LastUsedAt.Int64)
			c.LastUsedAt = &t
		}
		out = append(out, c)
	}
	return out, nil
}

// StoreAppCredential seals OAuth application client credentials for a
// service. App credentials use the system owner's data key.
func (v *Vault) StoreAppCredential(ctx context.Context, service, clientID, clientSecret string) error {
	service = NormalizeService(service)

	key, err := v.ensureUserKey(ctx, db.SystemOwner)
	if err != nil {
		return err
	}

	dek, err := v.kms.DecryptDataKey(ctx, key.EncryptedDEK)
	if err != nil {
		return err
	}
	defer envelope.Zero(dek)

	plaintext, err := json.Marshal(Payload{ClientID: clientID, ClientSecret: clientSecret})
	if err != nil {
		return err
	}
	defer envelope.Zero(plaintext)

	blob, err := envelope.Seal(plaintext, dek)
	if err != nil {
		return err
	}

	now := db.NowMillis()
	return v.dao.UpsertAppCredential(ctx, db.AppCredential{
		ServiceID:  service,
		Ciphertext: blob,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// AppCredential returns the decrypted client id/secret for a service, or
// ErrCredentialNotFound.
func (v *Vault) AppCredential(ctx context.Context, service string) (*Payload, error) {
	service = NormalizeService(service)

	row, err := v.dao.GetAppCredential(ctx, service)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: app/%s", ErrCredentialNotFound, service)
	}

	key, err := v.dao.GetUserKey(ctx, db.SystemOwner)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.New("system user key missing")
	}

	var payload Payload
	err = envelope.WithDecryptedCredential(key.EncryptedDEK, row.Ciphertext,
		func(wrapped []byte) ([]byte, error) { return v.kms.DecryptDataKey(ctx, wrapped) },
		func(m map[string]any) error { return decodePayload(m, &payload) })
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

func (v *Vault) DeleteAppCredential(ctx context.Context, service string) error {
	return v.dao.DeleteAppCredential(ctx, NormalizeService(service))
}

func (v *Vault) ensureUserKey(ctx context.Context, userID string) (*db.UserKey, error) {
	key, err := v.dao.GetUserKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	plaintext, wrapped, err := v.kms.GenerateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating user key: %w", err)
	}
	// The plaintext copy is not needed here; only the wrapped form persists.
	envelope.Zero(plaintext)

	fresh := db.UserKey{
		UserID:       userID,
		EncryptedDEK: wrapped,
		KMSKeyID:     v.kms.KeyID(),
		CreatedAt:    db.NowMillis(),
	}
	if err := v.dao.InsertUserKey(ctx, fresh); err != nil {
		if db.IsUniqueConstraintErr(err) {
			// Lost the creation race; the winner's key is authoritative.
			return v.dao.GetUserKey(ctx, userID)
		}
		return nil, err
	}

	v.log.Log(ctx, audit.Entry{UserID: userID, ServiceID: "", Action: audit.ActionKeyCreated})
	return &fresh, nil
}

func decodePayload(m map[string]any, out *Payload) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
