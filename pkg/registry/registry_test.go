package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenr-ai/agenr/pkg/db"
)

func descriptorSource(platform, version string) []byte {
	return []byte(fmt.Sprintf(`platform: %s
version: %s
manifest:
  auth:
    type: oauth2
    strategy: bearer
  authenticatedDomains:
    - api.%s.com
  oauth:
    authorizationUrl: https://auth.%s.com/authorize
    tokenUrl: https://auth.%s.com/token
operations:
  discover:
    static:
      capabilities: [ping]
`, platform, version, platform, platform, platform))
}

func setupRegistry(t *testing.T) (*Registry, db.DAO, string, string) {
	t.Helper()

	tempDir := t.TempDir()
	bundledDir := filepath.Join(tempDir, "bundled")
	runtimeDir := filepath.Join(tempDir, "runtime")
	require.NoError(t, os.MkdirAll(bundledDir, 0o755))
	require.NoError(t, os.MkdirAll(runtimeDir, 0o755))

	dao, err := db.New(db.WithDatabaseFile(filepath.Join(tempDir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dao.Close() })

	return New(dao, bundledDir, runtimeDir), dao, bundledDir, runtimeDir
}

func writeBundled(t *testing.T, dir, platform, version string) string {
	t.Helper()
	path := filepath.Join(dir, platform+".yaml")
	require.NoError(t, os.WriteFile(path, descriptorSource(platform, version), 0o644))
	return path
}

func TestResolveScopedBeforePublic(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)

	reg.RegisterPublic(&Entry{Platform: "stripe", Source: "public"})
	reg.RegisterScoped(&Entry{Platform: "stripe", OwnerID: "alice", Source: "sandbox"})

	e, err := reg.Resolve("stripe", "alice")
	require.NoError(t, err)
	assert.Equal(t, "sandbox", e.Source)

	e, err = reg.Resolve("stripe", "bob")
	require.NoError(t, err)
	assert.Equal(t, "public", e.Source)

	e, err = reg.Resolve("stripe", "")
	require.NoError(t, err)
	assert.Equal(t, "public", e.Source)

	_, err = reg.Resolve("unknown", "alice")
	require.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestSeedBundledInsertsAndLoads(t *testing.T) {
	reg, dao, bundledDir, runtimeDir := setupRegistry(t)
	ctx := t.Context()

	bundledPath := writeBundled(t, bundledDir, "stripe", "1.0.0")
	require.NoError(t, reg.SeedBundled(ctx))

	row, err := dao.GetAdapterByPlatformOwner(ctx, "stripe", db.SystemOwner)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, db.AdapterStatusPublic, row.Status)
	assert.Equal(t, "1.0.0", row.Version.String)
	assert.Equal(t, filepath.Join(runtimeDir, "stripe.yaml"), row.FilePath)

	// Runtime copy exists, bundled file untouched.
	_, err = os.Stat(row.FilePath)
	require.NoError(t, err)
	original, err := os.ReadFile(bundledPath)
	require.NoError(t, err)
	assert.Equal(t, descriptorSource("stripe", "1.0.0"), original)

	e, err := reg.Resolve("stripe", "")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusPublic, e.Status)
}

func TestSeedBundledVersionReconciliation(t *testing.T) {
	reg, dao, bundledDir, _ := setupRegistry(t)
	ctx := t.Context()

	writeBundled(t, bundledDir, "stripe", "1.0.0")
	require.NoError(t, reg.SeedBundled(ctx))

	t.Run("equal version skipped", func(t *testing.T) {
		before, err := dao.GetAdapterByPlatformOwner(ctx, "stripe", db.SystemOwner)
		require.NoError(t, err)
		require.NoError(t, reg.SeedBundled(ctx))
		after, err := dao.GetAdapterByPlatformOwner(ctx, "stripe", db.SystemOwner)
		require.NoError(t, err)
		assert.Equal(t, before.SourceHash, after.SourceHash)
	})

	t.Run("newer bundled version wins", func(t *testing.T) {
		writeBundled(t, bundledDir, "stripe", "1.2.0")
		require.NoError(t, reg.SeedBundled(ctx))
		row, err := dao.GetAdapterByPlatformOwner(ctx, "stripe", db.SystemOwner)
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", row.Version.String)
	})

	t.Run("older bundled version skipped", func(t *testing.T) {
		writeBundled(t, bundledDir, "stripe", "1.1.0")
		require.NoError(t, reg.SeedBundled(ctx))
		row, err := dao.GetAdapterByPlatformOwner(ctx, "stripe", db.SystemOwner)
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", row.Version.String)
	})
}

func TestSeedReassignsForeignOwnership(t *testing.T) {
	reg, dao, bundledDir, runtimeDir := setupRegistry(t)
	ctx := t.Context()

	require.NoError(t, dao.UpsertAdapter(ctx, db.Adapter{
		ID:          "a1",
		Platform:    "stripe",
		OwnerID:     "mallory",
		Status:      db.AdapterStatusPublic,
		FilePath:    filepath.Join(runtimeDir, "stripe.yaml"),
		SubmittedAt: db.NowMillis(),
	}))

	writeBundled(t, bundledDir, "stripe", "1.0.0")
	require.NoError(t, reg.SeedBundled(ctx))

	row, err := dao.GetAdapter(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, db.SystemOwner, row.OwnerID)
}

// Regression property: neither seeding nor a database restore may ever write
// into the bundled directory.
func TestBundledDirectoryNeverWritten(t *testing.T) {
	reg, dao, bundledDir, _ := setupRegistry(t)
	ctx := t.Context()

	bundledPath := writeBundled(t, bundledDir, "stripe", "1.0.0")
	before, err := os.ReadFile(bundledPath)
	require.NoError(t, err)
	require.NoError(t, reg.SeedBundled(ctx))

	// Poison a row so its file path points into the bundled directory, as a
	// corrupted or malicious restore would.
	row, err := dao.GetAdapterByPlatformOwner(ctx, "stripe", db.SystemOwner)
	require.NoError(t, err)
	row.FilePath = bundledPath
	row.SourceCode.String = "platform: stripe\noperations:\n  discover: {static: {pwned: true}}\n"
	require.NoError(t, dao.UpdateAdapter(ctx, *row))

	require.NoError(t, reg.RestoreFromDB(ctx))
	require.NoError(t, reg.SyncFromDB(ctx))

	after, err := os.ReadFile(bundledPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "bundled source must stay pristine")

	entries, err := os.ReadDir(bundledDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRuntimePathContainment(t *testing.T) {
	reg, _, _, runtimeDir := setupRegistry(t)

	_, err := reg.runtimePath("ok.yaml")
	require.NoError(t, err)

	_, err = reg.runtimePath("../escape.yaml")
	require.Error(t, err)

	_, err = reg.containRuntime("/etc/passwd")
	require.Error(t, err)

	contained, err := reg.containRuntime(filepath.Join(runtimeDir, "sandbox", "alice", "x.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runtimeDir, "sandbox", "alice", "x.yaml"), contained)
}

func TestRestoreThenSyncHotLoads(t *testing.T) {
	reg, dao, _, runtimeDir := setupRegistry(t)
	ctx := t.Context()

	src := descriptorSource("square", "0.1.0")
	require.NoError(t, dao.UpsertAdapter(ctx, db.Adapter{
		ID:          "a1",
		Platform:    "square",
		OwnerID:     db.SystemOwner,
		Status:      db.AdapterStatusPublic,
		FilePath:    filepath.Join(runtimeDir, "square.yaml"),
		SourceCode:  nullable(string(src)),
		SourceHash:  SourceHash(src),
		SubmittedAt: db.NowMillis(),
	}))

	require.NoError(t, reg.RestoreFromDB(ctx))
	_, err := os.Stat(filepath.Join(runtimeDir, "square.yaml"))
	require.NoError(t, err)

	// Restore alone does not register.
	_, err = reg.Resolve("square", "")
	require.ErrorIs(t, err, ErrAdapterNotFound)

	// Restore tracked the fingerprint, so sync must detect the change when
	// the row is updated.
	updated := descriptorSource("square", "0.2.0")
	row, err := dao.GetAdapter(ctx, "a1")
	require.NoError(t, err)
	row.SourceCode = nullable(string(updated))
	row.SourceHash = SourceHash(updated)
	require.NoError(t, dao.UpdateAdapter(ctx, *row))

	require.NoError(t, reg.SyncFromDB(ctx))
	e, err := reg.Resolve("square", "")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusPublic, e.Status)
}

func TestDynamicDirFallback(t *testing.T) {
	reg, _, _, runtimeDir := setupRegistry(t)
	ctx := t.Context()

	require.NoError(t, os.WriteFile(filepath.Join(runtimeDir, "toast.yaml"), descriptorSource("toast", "0.0.1"), 0o644))
	require.NoError(t, reg.LoadDynamicDir(ctx))

	e, err := reg.Resolve("toast", "")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusPublic, e.Status)
}

func TestListOAuthAdapters(t *testing.T) {
	reg, _, bundledDir, _ := setupRegistry(t)
	ctx := t.Context()

	writeBundled(t, bundledDir, "stripe", "1.0.0")
	require.NoError(t, reg.SeedBundled(ctx))

	manifests := reg.ListOAuthAdapters()
	require.Len(t, manifests, 1)
	assert.Equal(t, "stripe", manifests[0].Platform)

	m, err := reg.GetOAuthAdapter("stripe")
	require.NoError(t, err)
	assert.Equal(t, "stripe", m.Platform)

	_, err = reg.GetOAuthAdapter("nope")
	require.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestSemverCompare(t *testing.T) {
	assert.True(t, semverNewer("1.2.0", "1.1.9"))
	assert.True(t, semverNewer("2.0.0", "1.99.99"))
	assert.True(t, semverNewer("1.0.1", "1.0.0"))
	assert.True(t, semverNewer("1.0", "0.9.9"))
	assert.False(t, semverNewer("1.0.0", "1.0.0"))
	assert.False(t, semverNewer("1.0.0", "1.0.1"))
	assert.True(t, semverNewer("1.0.0", "garbage"))
	assert.True(t, semverNewer("v1.1.0", "1.0.0"))
	assert.False(t, semverNewer("1.0.0-rc1", "1.0.0"))
}
