package db

import (
	"context"
	"database/sql"
	"errors"
)

// Adapter lifecycle states.
const (
	AdapterStatusSandbox  = "sandbox"
	AdapterStatusReview   = "review"
	AdapterStatusPublic   = "public"
	AdapterStatusRejected = "rejected"
	AdapterStatusArchived = "archived"
)

// SystemOwner owns bundled public adapters.
const SystemOwner = "system"

type AdapterDAO interface {
	GetAdapter(ctx context.Context, id string) (*Adapter, error)
	GetAdapterByPlatformOwner(ctx context.Context, platform, ownerID string) (*Adapter, error)
	GetPublicAdapter(ctx context.Context, platform string) (*Adapter, error)
	ListAdapters(ctx context.Context) ([]Adapter, error)
	ListAdaptersByOwner(ctx context.Context, ownerID string) ([]Adapter, error)
	ListAdaptersByStatus(ctx context.Context, status string) ([]Adapter, error)
	UpsertAdapter(ctx context.Context, a Adapter) error
	UpdateAdapter(ctx context.Context, a Adapter) error
	DeleteAdapter(ctx context.Context, id string) error
}

type Adapter struct {
	ID             string         `db:"id"`
	Platform       string         `db:"platform"`
	OwnerID        string         `db:"owner_id"`
	Status         string         `db:"status"`
	FilePath       string         `db:"file_path"`
	SourceCode     sql.NullString `db:"source_code"`
	SourceHash     string         `db:"source_hash"`
	Version        sql.NullString `db:"version"`
	SubmittedAt    int64          `db:"submitted_at"`
	ReviewedAt     sql.NullInt64  `db:"reviewed_at"`
	ArchivedAt     sql.NullInt64  `db:"archived_at"`
	ReviewMessage  sql.NullString `db:"review_message"`
	ReviewFeedback sql.NullString `db:"review_feedback"`
	PromotedBy     sql.NullString `db:"promoted_by"`
}

const adapterColumns = `id, platform, owner_id, status, file_path, source_code, source_hash, version,
	submitted_at, reviewed_at, archived_at, review_message, review_feedback, promoted_by`

func (d *dao) GetAdapter(ctx context.Context, id string) (*Adapter, error) {
	const query = `SELECT ` + adapterColumns + ` FROM adapters WHERE id = $1`

	var a Adapter
	err := d.db.GetContext(ctx, &a, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (d *dao) GetAdapterByPlatformOwner(ctx context.Context, platform, ownerID string) (*Adapter, error) {
	const query = `SELECT ` + adapterColumns + ` FROM adapters WHERE platform = $1 AND owner_id = $2`

	var a Adapter
	err := d.db.GetContext(ctx, &a, query, platform, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (d *dao) GetPublicAdapter(ctx context.Context, platform string) (*Adapter, error) {
	const query = `SELECT ` + adapterColumns + ` FROM adapters WHERE platform = $1 AND status = $2`

	var a Adapter
	err := d.db.GetContext(ctx, &a, query, platform, AdapterStatusPublic)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (d *dao) ListAdapters(ctx context.Context) ([]Adapter, error) {
	const query = `SELECT ` + adapterColumns + ` FROM adapters ORDER BY submitted_at, id`

	var out []Adapter
	if err := d.db.SelectContext(ctx, &out, query); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) ListAdaptersByOwner(ctx context.Context, ownerID string) ([]Adapter, error) {
	const query = `SELECT ` + adapterColumns + ` FROM adapters WHERE owner_id = $1 ORDER BY submitted_at, id`

	var out []Adapter
	if err := d.db.SelectContext(ctx, &out, query, ownerID); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) ListAdaptersByStatus(ctx context.Context, status string) ([]Adapter, error) {
	const query = `SELECT ` + adapterColumns + ` FROM adapters WHERE status = $1 ORDER BY submitted_at, id`

	var out []Adapter
	if err := d.db.SelectContext(ctx, &out, query, status); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) UpsertAdapter(ctx context.Context, a Adapter) error {
	const query = `INSERT INTO adapters (` + adapterColumns + `)
		VALUES (:id, :platform, :owner_id, :status, :file_path, :source_code, :source_hash, :version,
			:submitted_at, :reviewed_at, :archived_at, :review_message, :review_feedback, :promoted_by)
		ON CONFLICT (platform, owner_id) DO UPDATE SET
			status = excluded.status,
			file_path = excluded.file_path,
			source_code = excluded.source_code,
			source_hash = excluded.source_hash,
			version = excluded.version,
			submitted_at = excluded.submitted_at,
			reviewed_at = excluded.reviewed_at,
			archived_at = excluded.archived_at,
			review_message = excluded.review_message,
			review_feedback = excluded.review_feedback,
			promoted_by = excluded.promoted_by`

	_, err := d.db.NamedExecContext(ctx, query, a)
	return err
}

func (d *dao) UpdateAdapter(ctx context.Context, a Adapter) error {
	const query = `UPDATE adapters SET
			platform = :platform,
			owner_id = :owner_id,
			status = :status,
			file_path = :file_path,
			source_code = :source_code,
			source_hash = :source_hash,
			version = :version,
			reviewed_at = :reviewed_at,
			archived_at = :archived_at,
			review_message = :review_message,
			review_feedback = :review_feedback,
			promoted_by = :promoted_by
		WHERE id = :id`

	_, err := d.db.NamedExecContext(ctx, query, a)
	return err
}

func (d *dao) DeleteAdapter(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM adapters WHERE id = $1`, id)
	return err
}
