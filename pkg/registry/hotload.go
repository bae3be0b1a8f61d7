package registry

import (
	"fmt"
	"os"

	"github.com/agenr-ai/agenr/pkg/adapter/runner"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
)

// HotLoad reads the descriptor at path and swaps it into the registry under
// the given scope. ownerID empty means public. Readers observe either the
// previous entry or the new one, never a torn state.
func (r *Registry) HotLoad(path, platform, ownerID, status string) (*Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("adapter file %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("adapter file %s is not a regular file", path)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	desc, err := runner.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("loading adapter %s: %w", path, err)
	}
	if platform != "" && desc.Platform != platform {
		return nil, fmt.Errorf("adapter file %s declares platform %q, expected %q", path, desc.Platform, platform)
	}

	e := &Entry{
		Platform: desc.Platform,
		OwnerID:  ownerID,
		Status:   status,
		Factory:  runner.NewFactory(desc),
		Source:   path,
		Meta:     desc.Meta,
		Manifest: &desc.Manifest,
	}

	if status == db.AdapterStatusPublic && ownerID == "" {
		r.RegisterPublic(e)
	} else {
		r.RegisterScoped(e)
	}

	log.Logf("registry: hot-loaded %s (%s scope)", desc.Platform, scopeLabel(ownerID))
	return e, nil
}

func scopeLabel(ownerID string) string {
	if ownerID == "" {
		return "public"
	}
	return ownerID
}
