package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenr-ai/agenr/pkg/audit"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/kms"
)

func setupVault(t *testing.T) (*Vault, db.DAO) {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "test.db")
	dao, err := db.New(db.WithDatabaseFile(dbFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dao.Close() })

	v := New(dao, kms.NewMock("test-secret"), audit.NewLogger(dao))
	return v, dao
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	v, _ := setupVault(t)
	ctx := t.Context()

	payload := Payload{AccessToken: "tok1", RefreshToken: "rt1", ExpiresIn: 3600}
	require.NoError(t, v.Store(ctx, "alice", "stripe", AuthTypeOAuth2, payload, []string{"read"}))

	got, err := v.Retrieve(ctx, "alice", "stripe")
	require.NoError(t, err)
	assert.Equal(t, "tok1", got.AccessToken)
	assert.Equal(t, "rt1", got.RefreshToken)
	assert.EqualValues(t, 3600, got.ExpiresIn)

	meta, err := v.Meta(ctx, "alice", "stripe")
	require.NoError(t, err)
	require.True(t, meta.ExpiresAt.Valid)
	wantExpiry := time.Now().Add(3600 * time.Second)
	gotExpiry := time.UnixMilli(meta.ExpiresAt.Int64)
	assert.WithinDuration(t, wantExpiry, gotExpiry, 5*time.Second)

	connections, err := v.ListConnections(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, connections, 1)
	assert.Equal(t, "stripe", connections[0].ServiceID)
	assert.Equal(t, StatusConnected, connections[0].Status)
}

func TestRetrieveMissingCredential(t *testing.T) {
	v, _ := setupVault(t)

	_, err := v.Retrieve(t.Context(), "alice", "stripe")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestServiceNormalization(t *testing.T) {
	v, _ := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.Store(ctx, "alice", "  StRiPe ", AuthTypeAPIKey, Payload{APIKey: "k"}, nil))

	got, err := v.Retrieve(ctx, "alice", "stripe")
	require.NoError(t, err)
	assert.Equal(t, "k", got.APIKey)

	has, err := v.Has(ctx, "alice", "STRIPE")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestNoExpiryForNonOAuthTypes(t *testing.T) {
	v, _ := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.Store(ctx, "alice", "toast", AuthTypeAPIKey, Payload{APIKey: "k", ExpiresIn: 60}, nil))

	meta, err := v.Meta(ctx, "alice", "toast")
	require.NoError(t, err)
	assert.False(t, meta.ExpiresAt.Valid)
}

func TestExpiredStatusInConnections(t *testing.T) {
	v, dao := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.Store(ctx, "alice", "stripe", AuthTypeOAuth2, Payload{AccessToken: "t", ExpiresIn: 3600}, nil))

	// Backdate the expiry past now.
	row, err := dao.GetCredential(ctx, "alice", "stripe")
	require.NoError(t, err)
	row.ExpiresAt.Int64 = db.NowMillis() - 1000
	require.NoError(t, dao.UpsertCredential(ctx, *row))

	connections, err := v.ListConnections(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, connections, 1)
	assert.Equal(t, StatusExpired, connections[0].Status)
}

func TestDeleteCredential(t *testing.T) {
	v, _ := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.Store(ctx, "alice", "stripe", AuthTypeAPIKey, Payload{APIKey: "k"}, nil))
	require.NoError(t, v.Delete(ctx, "alice", "stripe"))

	has, err := v.Has(ctx, "alice", "stripe")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestUserKeyCreatedOnce(t *testing.T) {
	v, dao := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.Store(ctx, "alice", "stripe", AuthTypeAPIKey, Payload{APIKey: "a"}, nil))
	require.NoError(t, v.Store(ctx, "alice", "github", AuthTypeAPIKey, Payload{APIKey: "b"}, nil))

	key, err := dao.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "local-mock", key.KMSKeyID)

	// Both credentials decrypt under the single key.
	a, err := v.Retrieve(ctx, "alice", "stripe")
	require.NoError(t, err)
	assert.Equal(t, "a", a.APIKey)
	b, err := v.Retrieve(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "b", b.APIKey)
}

func TestRetrieveUpdatesLastUsed(t *testing.T) {
	v, dao := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.Store(ctx, "alice", "stripe", AuthTypeAPIKey, Payload{APIKey: "k"}, nil))

	before, err := dao.GetCredential(ctx, "alice", "stripe")
	require.NoError(t, err)
	assert.False(t, before.LastUsedAt.Valid)

	_, err = v.Retrieve(ctx, "alice", "stripe")
	require.NoError(t, err)

	after, err := dao.GetCredential(ctx, "alice", "stripe")
	require.NoError(t, err)
	assert.True(t, after.LastUsedAt.Valid)
}

func TestAppCredentialRoundTrip(t *testing.T) {
	v, _ := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.StoreAppCredential(ctx, "Stripe", "cid", "csecret"))

	app, err := v.AppCredential(ctx, "stripe")
	require.NoError(t, err)
	assert.Equal(t, "cid", app.ClientID)
	assert.Equal(t, "csecret", app.ClientSecret)

	require.NoError(t, v.DeleteAppCredential(ctx, "stripe"))
	_, err = v.AppCredential(ctx, "stripe")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestAuditTrailWritten(t *testing.T) {
	v, dao := setupVault(t)
	ctx := t.Context()

	require.NoError(t, v.Store(ctx, "alice", "stripe", AuthTypeAPIKey, Payload{APIKey: "k"}, nil))
	require.NoError(t, v.Delete(ctx, "alice", "stripe"))

	entries, err := dao.ListAuditEntriesAsc(ctx)
	require.NoError(t, err)

	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionKeyCreated)
	assert.Contains(t, actions, audit.ActionCredentialStored)
	assert.Contains(t, actions, audit.ActionCredentialDeleted)
}
