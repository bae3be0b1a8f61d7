package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenr-ai/agenr/pkg/db"
)

func setupTestDB(t *testing.T) db.DAO {
	t.Helper()

	tempDir := t.TempDir()
	dbFile := filepath.Join(tempDir, "test.db")

	dao, err := db.New(db.WithDatabaseFile(dbFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dao.Close() })

	return dao
}

func TestChainGenesisAndLinks(t *testing.T) {
	dao := setupTestDB(t)
	logger := NewLogger(dao)
	ctx := t.Context()

	logger.Log(ctx, Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialStored})
	logger.Log(ctx, Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialRetrieved})
	logger.Log(ctx, Entry{UserID: "bob", ServiceID: "github", Action: ActionCredentialStored})

	entries, err := dao.ListAuditEntriesAsc(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	genesis := sha256.Sum256([]byte("genesis"))
	assert.Equal(t, hex.EncodeToString(genesis[:]), entries[0].PrevHash)

	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		want := sha256.Sum256([]byte(prev.ID + strconv.FormatInt(prev.Timestamp, 10)))
		assert.Equal(t, hex.EncodeToString(want[:]), entries[i].PrevHash, "link %d", i)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dao := setupTestDB(t)
	logger := NewLogger(dao)
	ctx := t.Context()

	for range 3 {
		logger.Log(ctx, Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialRetrieved})
	}

	broken, err := logger.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, broken)

	// Forge a middle entry's link and re-verify.
	entries, err := dao.ListAuditEntriesAsc(ctx)
	require.NoError(t, err)
	forged := entries[1]
	forged.PrevHash = "deadbeef"
	forged.ID = forged.ID + "x"
	require.NoError(t, dao.InsertAuditEntry(ctx, forged))

	broken, err = logger.Verify(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, broken, 0)
}

func TestLogNeverFailsCaller(t *testing.T) {
	dao := setupTestDB(t)
	logger := NewLogger(dao)

	require.NoError(t, dao.Close())

	// Closed database: the write is dropped with a warning, no panic, no
	// error surfaced.
	logger.Log(t.Context(), Entry{UserID: "alice", ServiceID: "stripe", Action: ActionCredentialStored})
}

func TestSanitizeStripsSecretKeys(t *testing.T) {
	in := map[string]any{
		"auth_type":     "oauth2",
		"access_token":  "tok",
		"refresh-token": "rt",
		"Password":      "hunter2",
		"apiKey":        "k",
		"client_secret": "s",
		"nested": map[string]any{
			"private_key": "pem",
			"keep":        "me",
		},
		"list": []any{
			map[string]any{"credential": "x", "ok": true},
			"plain",
		},
	}

	out := Sanitize(in)

	assert.Equal(t, "oauth2", out["auth_type"])
	assert.NotContains(t, out, "access_token")
	assert.NotContains(t, out, "refresh-token")
	assert.NotContains(t, out, "Password")
	assert.NotContains(t, out, "apiKey")
	assert.NotContains(t, out, "client_secret")

	nested := out["nested"].(map[string]any)
	assert.NotContains(t, nested, "private_key")
	assert.Equal(t, "me", nested["keep"])

	list := out["list"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.NotContains(t, first, "credential")
	assert.Equal(t, true, first["ok"])
	assert.Equal(t, "plain", list[1])
}

func TestSanitizeHandlesCycles(t *testing.T) {
	in := map[string]any{"name": "loop"}
	in["self"] = in

	out := Sanitize(in)
	assert.Equal(t, "loop", out["name"])
	assert.Equal(t, circularSentinel, out["self"])
}

func TestMetadataPersistedRedacted(t *testing.T) {
	dao := setupTestDB(t)
	logger := NewLogger(dao)
	ctx := t.Context()

	logger.Log(ctx, Entry{
		UserID:    "alice",
		ServiceID: "stripe",
		Action:    ActionCredentialStored,
		Metadata:  map[string]any{"auth_type": "oauth2", "access_token": "leak-me-not"},
	})

	entries, err := dao.ListAuditEntriesAsc(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Metadata.Valid)
	assert.NotContains(t, entries[0].Metadata.String, "leak-me-not")
	assert.Contains(t, entries[0].Metadata.String, "oauth2")
}
