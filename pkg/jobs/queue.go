// Package jobs is the persistent generation job queue and its background
// worker. Jobs are claimed atomically; logs are appended with a
// compare-and-swap so concurrent writers never lose entries.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenr-ai/agenr/pkg/db"
)

// OrphanedError marks jobs stranded by a crash mid-run.
const OrphanedError = "Orphaned by server restart"

var ErrJobNotFound = errors.New("generation job not found")

const (
	logSwapAttempts = 5
	logSwapDelay    = 10 * time.Millisecond
)

type Queue struct {
	dao db.GenerationJobDAO
}

func NewQueue(dao db.GenerationJobDAO) *Queue {
	return &Queue{dao: dao}
}

// CreateRequest is the enqueue shape.
type CreateRequest struct {
	Platform   string
	DocsURL    string
	Provider   string
	Model      string
	OwnerKeyID string
}

func (q *Queue) Create(ctx context.Context, req CreateRequest) (*db.GenerationJob, error) {
	job := db.GenerationJob{
		ID:        uuid.NewString(),
		Platform:  req.Platform,
		Status:    db.JobStatusQueued,
		Logs:      "[]",
		CreatedAt: db.NowMillis(),
	}
	if req.DocsURL != "" {
		job.DocsURL = sql.NullString{String: req.DocsURL, Valid: true}
	}
	if req.Provider != "" {
		job.Provider = sql.NullString{String: req.Provider, Valid: true}
	}
	if req.Model != "" {
		job.Model = sql.NullString{String: req.Model, Valid: true}
	}
	if req.OwnerKeyID != "" {
		job.OwnerKeyID = sql.NullString{String: req.OwnerKeyID, Valid: true}
	}

	if err := q.dao.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNext pops the oldest queued job, transitioning it to running. Nil when
// the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*db.GenerationJob, error) {
	return q.dao.ClaimNextJob(ctx, db.NowMillis())
}

// AppendLog pushes one entry onto the job's log. The read-modify-write is a
// compare-and-swap on the serialized column; a lost race re-reads and tries
// again, up to logSwapAttempts times.
func (q *Queue) AppendLog(ctx context.Context, jobID, message string) error {
	for attempt := 0; ; attempt++ {
		job, err := q.dao.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}

		var logs []string
		if err := json.Unmarshal([]byte(job.Logs), &logs); err != nil {
			logs = nil
		}
		logs = append(logs, message)

		updated, err := json.Marshal(logs)
		if err != nil {
			return err
		}

		swapped, err := q.dao.SwapJobLogs(ctx, jobID, job.Logs, string(updated))
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		if attempt+1 >= logSwapAttempts {
			return fmt.Errorf("log swap lost race for job %s after %d attempts", jobID, logSwapAttempts)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(logSwapDelay):
		}
	}
}

func (q *Queue) Complete(ctx context.Context, jobID string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.dao.CompleteJob(ctx, jobID, string(b), db.NowMillis())
}

func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	return q.dao.FailJob(ctx, jobID, errMsg, db.NowMillis())
}

// RecoverStale fails every job left running by a previous process.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	return q.dao.FailRunningJobs(ctx, OrphanedError, db.NowMillis())
}

func (q *Queue) Get(ctx context.Context, jobID string) (*db.GenerationJob, error) {
	job, err := q.dao.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

func (q *Queue) List(ctx context.Context, f db.JobFilter) ([]db.GenerationJob, error) {
	return q.dao.ListJobs(ctx, f)
}

// CountSince supports the per-owner daily generation limit.
func (q *Queue) CountSince(ctx context.Context, ownerKeyID string, since time.Time) (int, error) {
	return q.dao.CountJobsSince(ctx, ownerKeyID, since.UnixMilli())
}
