package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/registry"
)

func descriptorSource(platform string) []byte {
	return []byte(fmt.Sprintf(`platform: %s
version: 0.1.0
operations:
  discover:
    static:
      capabilities: [ping]
`, platform))
}

func setupWorkerEnv(t *testing.T, gen Generator) (*Worker, *Queue, db.DAO, *registry.Registry) {
	t.Helper()

	tempDir := t.TempDir()
	dao, err := db.New(db.WithDatabaseFile(filepath.Join(tempDir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dao.Close() })

	runtimeDir := filepath.Join(tempDir, "runtime")
	require.NoError(t, os.MkdirAll(runtimeDir, 0o755))
	reg := registry.New(dao, filepath.Join(tempDir, "bundled"), runtimeDir)

	q := NewQueue(dao)
	w := NewWorker(q, reg, dao, gen, time.Hour) // manual ticks only
	return w, q, dao, reg
}

// scriptedGenerator records invocations and appends fixed logs.
type scriptedGenerator struct {
	descriptor []byte
	err        error
	calls      int
}

func (g *scriptedGenerator) Generate(ctx context.Context, job *db.GenerationJob, logf func(string)) (*Generated, error) {
	g.calls++
	logf("start")
	if g.err != nil {
		return nil, g.err
	}
	logf("done")
	return &Generated{
		Descriptor:  g.descriptor,
		Profile:     "prefers small pages",
		ProfilePath: "/profiles/" + job.Platform + ".md",
		Attempts:    1,
		Runtime:     "scripted",
	}, nil
}

func TestWorkerCompletesJob(t *testing.T) {
	gen := &scriptedGenerator{descriptor: descriptorSource("toast")}
	w, q, dao, reg := setupWorkerEnv(t, gen)
	ctx := t.Context()

	job, err := q.Create(ctx, CreateRequest{Platform: "toast", OwnerKeyID: "k1"})
	require.NoError(t, err)

	w.tick(ctx)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusComplete, got.Status)

	var logs []string
	require.NoError(t, json.Unmarshal([]byte(got.Logs), &logs))
	assert.Equal(t, []string{"start", "done"}, logs)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.Result.String), &result))
	assert.Contains(t, result["adapterPath"], filepath.Join("sandbox", "k1", "toast.yaml"))
	assert.Equal(t, "/profiles/toast.md", result["profilePath"])

	// Sandbox adapter hot-loaded for the owner.
	e, err := reg.Resolve("toast", "k1")
	require.NoError(t, err)
	assert.Equal(t, db.AdapterStatusSandbox, e.Status)

	// Interaction profile persisted under the platform.
	profile, err := dao.GetInteractionProfile(ctx, "toast")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "prefers small pages", profile.Profile)

	// Queue drained.
	next, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestWorkerFailsJobOnGeneratorError(t *testing.T) {
	gen := &scriptedGenerator{err: fmt.Errorf("model unavailable")}
	w, q, _, _ := setupWorkerEnv(t, gen)
	ctx := t.Context()

	job, err := q.Create(ctx, CreateRequest{Platform: "toast", OwnerKeyID: "k1"})
	require.NoError(t, err)

	w.tick(ctx)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
	assert.Equal(t, "model unavailable", got.Error.String)
}

func TestWorkerGuardsExistingPublicAdapter(t *testing.T) {
	gen := &scriptedGenerator{descriptor: descriptorSource("toast")}
	w, q, dao, _ := setupWorkerEnv(t, gen)
	ctx := t.Context()

	require.NoError(t, dao.UpsertAdapter(ctx, db.Adapter{
		ID:          "existing",
		Platform:    "toast",
		OwnerID:     db.SystemOwner,
		Status:      db.AdapterStatusPublic,
		FilePath:    "/tmp/toast.yaml",
		SubmittedAt: db.NowMillis(),
	}))

	job, err := q.Create(ctx, CreateRequest{Platform: "toast", OwnerKeyID: "k1"})
	require.NoError(t, err)

	w.tick(ctx)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error.String, "already has a public adapter")
	assert.Equal(t, 0, gen.calls, "generator must not run behind the guard")
}

func TestWorkerTickWithEmptyQueue(t *testing.T) {
	gen := &scriptedGenerator{descriptor: descriptorSource("toast")}
	w, _, _, _ := setupWorkerEnv(t, gen)

	w.tick(t.Context())
	assert.Equal(t, 0, gen.calls)
}

func TestWorkerStartStop(t *testing.T) {
	gen := &scriptedGenerator{descriptor: descriptorSource("toast")}
	w, q, _, _ := setupWorkerEnv(t, gen)
	ctx := t.Context()

	job, err := q.Create(ctx, CreateRequest{Platform: "toast", OwnerKeyID: "k1"})
	require.NoError(t, err)

	// The immediate first tick picks the job up without waiting an interval.
	w.Start(ctx)
	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Status == db.JobStatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	w.Stop()

	// No claiming after stop.
	_, err = q.Create(ctx, CreateRequest{Platform: "square", OwnerKeyID: "k1"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	next, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.NotNil(t, next, "second job still queued after stop")
}
