package jobs

import (
	"context"
	"fmt"

	"github.com/agenr-ai/agenr/pkg/db"
)

// Generator produces a sandbox adapter descriptor for a platform. The
// LLM-driven pipeline behind the production implementation is outside this
// repository; the worker only depends on this contract.
type Generator interface {
	Generate(ctx context.Context, job *db.GenerationJob, logf func(string)) (*Generated, error)
}

// Generated is the pipeline's output.
type Generated struct {
	// Descriptor is the adapter descriptor source.
	Descriptor []byte
	// Profile is the interaction profile written alongside: notes on how the
	// platform behaves, persisted for later runs.
	Profile string
	// ProfilePath points at the profile file the pipeline wrote.
	ProfilePath string
	Attempts    int
	Runtime     string
}

// StaticGenerator returns a canned descriptor; used in tests and local
// development when no pipeline is wired.
type StaticGenerator struct {
	Descriptor []byte
	Err        error
}

func (g *StaticGenerator) Generate(ctx context.Context, job *db.GenerationJob, logf func(string)) (*Generated, error) {
	logf(fmt.Sprintf("generating adapter for %s", job.Platform))
	if g.Err != nil {
		return nil, g.Err
	}
	logf("generation complete")
	return &Generated{Descriptor: g.Descriptor, Attempts: 1, Runtime: "static"}, nil
}
