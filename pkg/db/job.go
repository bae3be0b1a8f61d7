package db

import (
	"context"
	"database/sql"
	"errors"
)

// Generation job states.
const (
	JobStatusQueued   = "queued"
	JobStatusRunning  = "running"
	JobStatusComplete = "complete"
	JobStatusFailed   = "failed"
)

type GenerationJobDAO interface {
	InsertJob(ctx context.Context, j GenerationJob) error
	GetJob(ctx context.Context, id string) (*GenerationJob, error)
	// ClaimNextJob atomically transitions the oldest queued job to running.
	// Returns nil when the queue is empty. At most one caller receives any
	// given job.
	ClaimNextJob(ctx context.Context, startedAt int64) (*GenerationJob, error)
	// SwapJobLogs writes newLogs only if the stored logs still equal oldLogs.
	// Returns false on a lost race.
	SwapJobLogs(ctx context.Context, id, oldLogs, newLogs string) (bool, error)
	CompleteJob(ctx context.Context, id, result string, completedAt int64) error
	FailJob(ctx context.Context, id, errMsg string, completedAt int64) error
	// FailRunningJobs marks every running job failed. Startup recovery.
	FailRunningJobs(ctx context.Context, errMsg string, completedAt int64) (int64, error)
	ListJobs(ctx context.Context, f JobFilter) ([]GenerationJob, error)
	CountJobsSince(ctx context.Context, ownerKeyID string, since int64) (int, error)
}

type GenerationJob struct {
	ID          string         `db:"id"`
	Platform    string         `db:"platform"`
	DocsURL     sql.NullString `db:"docs_url"`
	Provider    sql.NullString `db:"provider"`
	Model       sql.NullString `db:"model"`
	Status      string         `db:"status"`
	OwnerKeyID  sql.NullString `db:"owner_key_id"`
	Logs        string         `db:"logs"`
	Result      sql.NullString `db:"result"`
	Error       sql.NullString `db:"error"`
	CreatedAt   int64          `db:"created_at"`
	StartedAt   sql.NullInt64  `db:"started_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
}

// JobFilter drives keyset pagination over jobs, descending by (created_at, id).
type JobFilter struct {
	Status          string
	OwnerKeyID      string
	BeforeCreatedAt int64
	BeforeID        string
	Limit           int
}

const jobColumns = `id, platform, docs_url, provider, model, status, owner_key_id, logs, result, error, created_at, started_at, completed_at`

func (d *dao) InsertJob(ctx context.Context, j GenerationJob) error {
	const query = `INSERT INTO generation_jobs (` + jobColumns + `)
		VALUES (:id, :platform, :docs_url, :provider, :model, :status, :owner_key_id, :logs, :result, :error, :created_at, :started_at, :completed_at)`

	_, err := d.db.NamedExecContext(ctx, query, j)
	return err
}

func (d *dao) GetJob(ctx context.Context, id string) (*GenerationJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`

	var j GenerationJob
	err := d.db.GetContext(ctx, &j, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (d *dao) ClaimNextJob(ctx context.Context, startedAt int64) (*GenerationJob, error) {
	// Single conditional UPDATE keeps the claim atomic: the WHERE re-checks
	// status so two concurrent callers can never both see rows affected for
	// the same job.
	const query = `UPDATE generation_jobs SET status = $1, started_at = $2
		WHERE id = (SELECT id FROM generation_jobs WHERE status = $3 ORDER BY created_at, id LIMIT 1)
		  AND status = $3
		RETURNING ` + jobColumns

	var j GenerationJob
	err := d.db.GetContext(ctx, &j, query, JobStatusRunning, startedAt, JobStatusQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (d *dao) SwapJobLogs(ctx context.Context, id, oldLogs, newLogs string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE generation_jobs SET logs = $3 WHERE id = $1 AND logs = $2`,
		id, oldLogs, newLogs)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *dao) CompleteJob(ctx context.Context, id, result string, completedAt int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE generation_jobs SET status = $2, result = $3, completed_at = $4 WHERE id = $1`,
		id, JobStatusComplete, result, completedAt)
	return err
}

func (d *dao) FailJob(ctx context.Context, id, errMsg string, completedAt int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE generation_jobs SET status = $2, error = $3, completed_at = $4 WHERE id = $1`,
		id, JobStatusFailed, errMsg, completedAt)
	return err
}

func (d *dao) FailRunningJobs(ctx context.Context, errMsg string, completedAt int64) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE generation_jobs SET status = $1, error = $2, completed_at = $3 WHERE status = $4`,
		JobStatusFailed, errMsg, completedAt, JobStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *dao) ListJobs(ctx context.Context, f JobFilter) ([]GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	var args []any

	if f.Status != "" {
		args = append(args, f.Status)
		query += ` AND status = ?`
	}
	if f.OwnerKeyID != "" {
		args = append(args, f.OwnerKeyID)
		query += ` AND owner_key_id = ?`
	}
	if f.BeforeCreatedAt > 0 {
		args = append(args, f.BeforeCreatedAt, f.BeforeCreatedAt, f.BeforeID)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
	}

	query += ` ORDER BY created_at DESC, id DESC`

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit)
	query += ` LIMIT ?`

	var out []GenerationJob
	if err := d.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) CountJobsSince(ctx context.Context, ownerKeyID string, since int64) (int, error) {
	var n int
	err := d.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM generation_jobs WHERE owner_key_id = $1 AND created_at >= $2`,
		ownerKeyID, since)
	return n, err
}
