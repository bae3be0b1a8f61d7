package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
	"github.com/agenr-ai/agenr/pkg/registry"
)

// Worker polls the queue and runs the generator, persisting the produced
// sandbox adapter and hot-loading it on completion.
type Worker struct {
	queue     *Queue
	registry  *registry.Registry
	dao       db.AdapterDAO
	profiles  db.ProfileDAO
	generator Generator
	interval  time.Duration

	mu      sync.Mutex
	ticking bool

	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}

	onComplete func(status string) // telemetry hook, optional
}

func NewWorker(queue *Queue, reg *registry.Registry, dao db.DAO, gen Generator, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{
		queue:     queue,
		registry:  reg,
		dao:       dao,
		profiles:  dao,
		generator: gen,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// OnComplete registers a callback invoked after every finished job.
func (w *Worker) OnComplete(fn func(status string)) {
	w.onComplete = fn
}

// Start launches the poll loop: an immediate tick, then one per interval.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	// Jobs run on a context that Stop does not cancel, so an in-flight job
	// finishes; Stop only ends the poll loop.
	jobCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(w.done)

		w.tick(jobCtx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(jobCtx)
			}
		}
	}()
}

// Stop halts claiming. An in-flight job completes; the call returns once the
// loop has exited.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.stop != nil {
			w.stop()
		}
		<-w.done
	})
}

// tick drains one job. The reentry guard keeps overlapping ticks from
// claiming concurrently inside one worker.
func (w *Worker) tick(ctx context.Context) {
	w.mu.Lock()
	if w.ticking {
		w.mu.Unlock()
		return
	}
	w.ticking = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.ticking = false
		w.mu.Unlock()
	}()

	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		log.Logf("worker: claiming job: %v", err)
		return
	}
	if job == nil {
		return
	}

	if err := w.runJob(ctx, job); err != nil {
		if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
			log.Logf("worker: failing job %s: %v", job.ID, failErr)
		}
		w.notify(db.JobStatusFailed)
		return
	}
	w.notify(db.JobStatusComplete)
}

func (w *Worker) runJob(ctx context.Context, job *db.GenerationJob) error {
	owner := job.OwnerKeyID.String
	if owner == "" {
		owner = db.SystemOwner
	}

	if existing, err := w.dao.GetPublicAdapter(ctx, job.Platform); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("%w: platform %s already has a public adapter", registry.ErrConflict, job.Platform)
	}

	// Log writes from the generator are serialized through the queue's CAS.
	var logMu sync.Mutex
	logf := func(msg string) {
		logMu.Lock()
		defer logMu.Unlock()
		if err := w.queue.AppendLog(ctx, job.ID, msg); err != nil {
			log.Logf("worker: appending log for %s: %v", job.ID, err)
		}
	}

	generated, err := w.generator.Generate(ctx, job, logf)
	if err != nil {
		return err
	}

	row, err := w.registry.Upload(ctx, owner, generated.Descriptor)
	if err != nil {
		return fmt.Errorf("installing generated adapter: %w", err)
	}

	if generated.Profile != "" {
		if err := w.profiles.UpsertInteractionProfile(ctx, db.InteractionProfile{
			BusinessID: job.Platform,
			Profile:    generated.Profile,
			UpdatedAt:  db.NowMillis(),
		}); err != nil {
			log.Logf("worker: persisting interaction profile for %s: %v", job.Platform, err)
		}
	}

	return w.queue.Complete(ctx, job.ID, map[string]any{
		"adapterPath": row.FilePath,
		"profilePath": generated.ProfilePath,
		"attempts":    generated.Attempts,
		"runtime":     generated.Runtime,
	})
}

func (w *Worker) notify(status string) {
	if w.onComplete != nil {
		w.onComplete(status)
	}
}
