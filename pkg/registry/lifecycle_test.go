package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenr-ai/agenr/pkg/db"
)

func TestUploadCreatesSandboxAdapter(t *testing.T) {
	reg, dao, _, runtimeDir := setupRegistry(t)
	ctx := t.Context()

	row, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusSandbox, row.Status)
	assert.Equal(t, "alice", row.OwnerID)
	assert.Equal(t, filepath.Join(runtimeDir, "sandbox", "alice", "toast.yaml"), row.FilePath)
	assert.True(t, row.SourceCode.Valid)

	e, err := reg.Resolve("toast", "alice")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusSandbox, e.Status)

	// Not visible outside the owner's scope.
	_, err = reg.Resolve("toast", "bob")
	require.ErrorIs(t, err, ErrAdapterNotFound)

	stored, err := dao.GetAdapterByPlatformOwner(ctx, "toast", "alice")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestUploadRejectsInvalidDescriptor(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)

	_, err := reg.Upload(t.Context(), "alice", []byte("not: a: valid: descriptor"))
	require.Error(t, err)
}

func TestSubmitWithdrawRejectCycle(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	ctx := t.Context()

	_, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)

	row, err := reg.Submit(ctx, "alice", "toast", "please review")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusReview, row.Status)
	assert.Equal(t, "please review", row.ReviewMessage.String)

	// Submitting twice is a transition violation.
	_, err = reg.Submit(ctx, "alice", "toast", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	row, err = reg.Withdraw(ctx, "alice", "toast")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusSandbox, row.Status)

	_, err = reg.Submit(ctx, "alice", "toast", "")
	require.NoError(t, err)
	row, err = reg.Reject(ctx, "toast", "alice", "fix the domains")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusSandbox, row.Status)
	assert.Equal(t, "fix the domains", row.ReviewFeedback.String)
	assert.True(t, row.ReviewedAt.Valid)
}

func TestPromoteAndDemote(t *testing.T) {
	reg, _, _, runtimeDir := setupRegistry(t)
	ctx := t.Context()

	_, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)

	row, err := reg.Promote(ctx, "toast", "alice", "admin")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusPublic, row.Status)
	assert.Equal(t, filepath.Join(runtimeDir, "toast.yaml"), row.FilePath)
	assert.Equal(t, "admin", row.PromotedBy.String)

	// Everyone resolves it now.
	e, err := reg.Resolve("toast", "bob")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusPublic, e.Status)

	// Sandbox registration is gone.
	scoped := reg.ListScoped("alice")
	assert.Empty(t, scoped)

	row, err = reg.Demote(ctx, "toast")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusSandbox, row.Status)
	assert.Equal(t, filepath.Join(runtimeDir, "sandbox", "alice", "toast.yaml"), row.FilePath)

	_, err = reg.Resolve("toast", "bob")
	require.ErrorIs(t, err, ErrAdapterNotFound)
	_, err = reg.Resolve("toast", "alice")
	require.NoError(t, err)
}

func TestPromoteDisplacesExistingPublic(t *testing.T) {
	reg, dao, _, _ := setupRegistry(t)
	ctx := t.Context()

	_, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)
	_, err = reg.Promote(ctx, "toast", "alice", "admin")
	require.NoError(t, err)

	_, err = reg.Upload(ctx, "bob", descriptorSource("toast", "0.2.0"))
	require.NoError(t, err)
	_, err = reg.Promote(ctx, "toast", "bob", "admin")
	require.NoError(t, err)

	old, err := dao.GetAdapterByPlatformOwner(ctx, "toast", "alice")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusRejected, old.Status)
	assert.Contains(t, old.FilePath, "rejected")

	current, err := dao.GetPublicAdapter(ctx, "toast")
	require.NoError(t, err)
	assert.Equal(t, "bob", current.OwnerID)
}

func TestPromoteFromInvalidState(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	ctx := t.Context()

	_, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)
	_, err = reg.Promote(ctx, "toast", "alice", "admin")
	require.NoError(t, err)

	_, err = reg.Promote(ctx, "toast", "alice", "admin")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestArchiveAndRestore(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	ctx := t.Context()

	row, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)

	archived, err := reg.Archive(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusArchived, archived.Status)
	assert.True(t, archived.ArchivedAt.Valid)

	_, err = reg.Resolve("toast", "alice")
	require.ErrorIs(t, err, ErrAdapterNotFound)
	_, err = os.Stat(row.FilePath)
	assert.True(t, os.IsNotExist(err))

	restored, err := reg.RestoreArchived(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusSandbox, restored.Status)
	assert.False(t, restored.ArchivedAt.Valid)

	_, err = reg.Resolve("toast", "alice")
	require.NoError(t, err)
}

func TestRestoreWithoutSourceFails(t *testing.T) {
	reg, dao, _, runtimeDir := setupRegistry(t)
	ctx := t.Context()

	require.NoError(t, dao.UpsertAdapter(ctx, db.Adapter{
		ID:          "a1",
		Platform:    "ghost",
		OwnerID:     "alice",
		Status:      db.AdapterStatusArchived,
		FilePath:    filepath.Join(runtimeDir, "ghost.yaml"),
		SubmittedAt: db.NowMillis(),
	}))

	_, err := reg.RestoreArchived(ctx, "a1")
	require.ErrorIs(t, err, ErrNotRestorable)
}

func TestDeleteSandboxHardRemoves(t *testing.T) {
	reg, dao, _, _ := setupRegistry(t)
	ctx := t.Context()

	row, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)

	require.NoError(t, reg.DeleteSandbox(ctx, "alice", "toast"))

	gone, err := dao.GetAdapter(ctx, row.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, err = os.Stat(row.FilePath)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteSandboxRefusesNonSandbox(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	ctx := t.Context()

	_, err := reg.Upload(ctx, "alice", descriptorSource("toast", "0.1.0"))
	require.NoError(t, err)
	_, err = reg.Submit(ctx, "alice", "toast", "")
	require.NoError(t, err)

	err = reg.DeleteSandbox(ctx, "alice", "toast")
	require.ErrorIs(t, err, ErrInvalidTransition)
}
