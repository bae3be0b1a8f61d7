package registry

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agenr-ai/agenr/pkg/adapter/runner"
)

// The bundled directory is read-only; every runtime write resolves through
// runtimePath, which rejects targets escaping the runtime base. This is what
// keeps a database restore from ever clobbering pristine bundled files.

// runtimePath joins parts under the runtime directory and verifies the result
// stays inside it.
func (r *Registry) runtimePath(parts ...string) (string, error) {
	p := filepath.Join(append([]string{r.runtimeDir}, parts...)...)
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	base, err := filepath.Abs(r.runtimeDir)
	if err != nil {
		return "", err
	}
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the runtime directory", p)
	}
	return abs, nil
}

// containRuntime validates an absolute path already stored in the database.
func (r *Registry) containRuntime(path string) (string, error) {
	base, err := filepath.Abs(r.runtimeDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", fmt.Errorf("path %q escapes the runtime directory", path)
	}
	return r.runtimePath(rel)
}

func (r *Registry) publicPath(platform string) (string, error) {
	return r.runtimePath(platform + runner.Ext)
}

func (r *Registry) sandboxPath(platform, ownerID string) (string, error) {
	return r.runtimePath("sandbox", ownerID, platform+runner.Ext)
}

func (r *Registry) rejectedPath(platform, ownerID string) (string, error) {
	return r.runtimePath("rejected", ownerID, platform+runner.Ext)
}
