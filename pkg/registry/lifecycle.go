package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/agenr-ai/agenr/pkg/adapter/runner"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
)

var (
	ErrInvalidTransition = errors.New("invalid adapter state transition")
	// ErrNotRestorable marks archived rows whose source was never preserved.
	ErrNotRestorable = errors.New("adapter has no preserved source")
)

// Upload validates and installs a sandbox adapter for the owner, replacing
// any previous sandbox version of the same platform.
func (r *Registry) Upload(ctx context.Context, ownerID string, source []byte) (*db.Adapter, error) {
	desc, err := runner.Parse(source)
	if err != nil {
		return nil, err
	}
	platform := desc.Platform

	target, err := r.sandboxPath(platform, ownerID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, source, 0o644); err != nil {
		return nil, err
	}

	row := db.Adapter{
		ID:          uuid.NewString(),
		Platform:    platform,
		OwnerID:     ownerID,
		Status:      db.AdapterStatusSandbox,
		FilePath:    target,
		SourceCode:  sql.NullString{String: string(source), Valid: true},
		SourceHash:  SourceHash(source),
		SubmittedAt: db.NowMillis(),
	}
	if desc.Version != "" {
		row.Version = sql.NullString{String: desc.Version, Valid: true}
	}
	if err := r.dao.UpsertAdapter(ctx, row); err != nil {
		return nil, err
	}

	if _, err := r.HotLoad(target, platform, ownerID, db.AdapterStatusSandbox); err != nil {
		return nil, err
	}

	stored, err := r.dao.GetAdapterByPlatformOwner(ctx, platform, ownerID)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Submit moves the owner's sandbox adapter into review.
func (r *Registry) Submit(ctx context.Context, ownerID, platform, message string) (*db.Adapter, error) {
	row, err := r.ownedRow(ctx, platform, ownerID)
	if err != nil {
		return nil, err
	}
	if row.Status != db.AdapterStatusSandbox {
		return nil, fmt.Errorf("%w: submit from %s", ErrInvalidTransition, row.Status)
	}

	row.Status = db.AdapterStatusReview
	row.ReviewMessage = nullable(message)
	if err := r.dao.UpdateAdapter(ctx, *row); err != nil {
		return nil, err
	}
	return row, nil
}

// Withdraw returns the owner's adapter from review to sandbox.
func (r *Registry) Withdraw(ctx context.Context, ownerID, platform string) (*db.Adapter, error) {
	row, err := r.ownedRow(ctx, platform, ownerID)
	if err != nil {
		return nil, err
	}
	if row.Status != db.AdapterStatusReview {
		return nil, fmt.Errorf("%w: withdraw from %s", ErrInvalidTransition, row.Status)
	}

	row.Status = db.AdapterStatusSandbox
	if err := r.dao.UpdateAdapter(ctx, *row); err != nil {
		return nil, err
	}
	return row, nil
}

// Reject sends a reviewed adapter back to sandbox with feedback. Admin only;
// the HTTP layer enforces the role.
func (r *Registry) Reject(ctx context.Context, platform, ownerID, feedback string) (*db.Adapter, error) {
	row, err := r.ownedRow(ctx, platform, ownerID)
	if err != nil {
		return nil, err
	}
	if row.Status != db.AdapterStatusReview {
		return nil, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, row.Status)
	}

	row.Status = db.AdapterStatusSandbox
	row.ReviewFeedback = nullable(feedback)
	row.ReviewedAt = sql.NullInt64{Int64: db.NowMillis(), Valid: true}
	if err := r.dao.UpdateAdapter(ctx, *row); err != nil {
		return nil, err
	}
	return row, nil
}

// Promote makes a sandbox or review adapter the platform's public one. An
// existing public adapter is displaced: its file moves to the rejected
// archive, its row is marked rejected, and its registration drops.
func (r *Registry) Promote(ctx context.Context, platform, ownerID, promotedBy string) (*db.Adapter, error) {
	row, err := r.ownedRow(ctx, platform, ownerID)
	if err != nil {
		return nil, err
	}
	if row.Status != db.AdapterStatusSandbox && row.Status != db.AdapterStatusReview {
		return nil, fmt.Errorf("%w: promote from %s", ErrInvalidTransition, row.Status)
	}

	if old, err := r.dao.GetPublicAdapter(ctx, platform); err != nil {
		return nil, err
	} else if old != nil && old.ID != row.ID {
		if err := r.displacePublic(ctx, old); err != nil {
			return nil, err
		}
	}

	target, err := r.publicPath(platform)
	if err != nil {
		return nil, err
	}
	if err := moveFile(row.FilePath, target); err != nil {
		return nil, err
	}

	now := db.NowMillis()
	r.UnregisterScoped(platform, ownerID)
	row.Status = db.AdapterStatusPublic
	row.FilePath = target
	row.ReviewedAt = sql.NullInt64{Int64: now, Valid: true}
	row.PromotedBy = nullable(promotedBy)
	if err := r.dao.UpdateAdapter(ctx, *row); err != nil {
		return nil, err
	}

	if _, err := r.HotLoad(target, platform, "", db.AdapterStatusPublic); err != nil {
		return nil, err
	}
	return row, nil
}

// Demote returns the platform's public adapter to its owner's sandbox.
func (r *Registry) Demote(ctx context.Context, platform string) (*db.Adapter, error) {
	row, err := r.dao.GetPublicAdapter(ctx, platform)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s has no public adapter", ErrAdapterNotFound, platform)
	}

	target, err := r.sandboxPath(platform, row.OwnerID)
	if err != nil {
		return nil, err
	}
	if err := moveFile(row.FilePath, target); err != nil {
		return nil, err
	}

	r.UnregisterPublic(platform)
	row.Status = db.AdapterStatusSandbox
	row.FilePath = target
	if err := r.dao.UpdateAdapter(ctx, *row); err != nil {
		return nil, err
	}

	if _, err := r.HotLoad(target, platform, row.OwnerID, db.AdapterStatusSandbox); err != nil {
		return nil, err
	}
	return row, nil
}

// Archive is the admin delete: any state to archived, registration dropped,
// source preserved in the row for a later restore.
func (r *Registry) Archive(ctx context.Context, id string) (*db.Adapter, error) {
	row, err := r.dao.GetAdapter(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrAdapterNotFound
	}

	r.unregisterRow(row)
	if err := r.removeRuntimeFile(row.FilePath); err != nil {
		log.Logf("registry: archive %s: %v", row.Platform, err)
	}

	row.Status = db.AdapterStatusArchived
	row.ArchivedAt = sql.NullInt64{Int64: db.NowMillis(), Valid: true}
	if err := r.dao.UpdateAdapter(ctx, *row); err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteSandbox hard-removes the caller's own sandbox adapter.
func (r *Registry) DeleteSandbox(ctx context.Context, ownerID, platform string) error {
	row, err := r.ownedRow(ctx, platform, ownerID)
	if err != nil {
		return err
	}
	if row.Status != db.AdapterStatusSandbox {
		return fmt.Errorf("%w: delete from %s", ErrInvalidTransition, row.Status)
	}

	r.UnregisterScoped(platform, ownerID)
	if err := r.removeRuntimeFile(row.FilePath); err != nil {
		log.Logf("registry: delete %s: %v", platform, err)
	}
	return r.dao.DeleteAdapter(ctx, row.ID)
}

// RestoreArchived brings an archived adapter back to sandbox from its
// preserved source.
func (r *Registry) RestoreArchived(ctx context.Context, id string) (*db.Adapter, error) {
	row, err := r.dao.GetAdapter(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrAdapterNotFound
	}
	if row.Status != db.AdapterStatusArchived {
		return nil, fmt.Errorf("%w: restore from %s", ErrInvalidTransition, row.Status)
	}
	if !row.SourceCode.Valid || row.SourceCode.String == "" {
		return nil, ErrNotRestorable
	}

	target, err := r.sandboxPath(row.Platform, row.OwnerID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, []byte(row.SourceCode.String), 0o644); err != nil {
		return nil, err
	}

	row.Status = db.AdapterStatusSandbox
	row.FilePath = target
	row.ArchivedAt = sql.NullInt64{}
	if err := r.dao.UpdateAdapter(ctx, *row); err != nil {
		return nil, err
	}

	if _, err := r.HotLoad(target, row.Platform, row.OwnerID, db.AdapterStatusSandbox); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *Registry) displacePublic(ctx context.Context, old *db.Adapter) error {
	archive, err := r.rejectedPath(old.Platform, old.OwnerID)
	if err != nil {
		return err
	}
	if err := moveFile(old.FilePath, archive); err != nil && !os.IsNotExist(err) {
		log.Logf("registry: archiving displaced %s: %v", old.Platform, err)
	}

	r.UnregisterPublic(old.Platform)
	old.Status = db.AdapterStatusRejected
	old.FilePath = archive
	return r.dao.UpdateAdapter(ctx, *old)
}

func (r *Registry) ownedRow(ctx context.Context, platform, ownerID string) (*db.Adapter, error) {
	row, err := r.dao.GetAdapterByPlatformOwner(ctx, platform, ownerID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrAdapterNotFound, platform, ownerID)
	}
	return row, nil
}

func (r *Registry) unregisterRow(row *db.Adapter) {
	if row.Status == db.AdapterStatusPublic {
		r.UnregisterPublic(row.Platform)
	} else {
		r.UnregisterScoped(row.Platform, row.OwnerID)
	}
}

func (r *Registry) removeRuntimeFile(path string) error {
	contained, err := r.containRuntime(path)
	if err != nil {
		return err
	}
	if err := os.Remove(contained); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func moveFile(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.Rename(from, to)
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
