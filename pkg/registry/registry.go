// Package registry is the scoped adapter directory: public adapters visible
// to everyone, sandbox adapters visible to their owner, hot-swapped at
// runtime from descriptor files backed by database rows.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agenr-ai/agenr/pkg/adapter"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/manifest"
)

// PublicScope is the scope key for public registrations.
const PublicScope = "__public__"

var (
	ErrAdapterNotFound = errors.New("adapter not found")
	// ErrConflict marks lifecycle violations (e.g. generating an adapter for
	// a platform that already has a public one).
	ErrConflict = errors.New("adapter conflict")
)

// Entry is one registered adapter version.
type Entry struct {
	Platform string
	OwnerID  string // empty for public entries
	Status   string // db.AdapterStatusPublic or db.AdapterStatusSandbox
	Factory  adapter.Factory
	Source   string // descriptor file path
	Meta     map[string]any
	Manifest *manifest.Manifest
}

// Registry holds the in-memory scope buckets and the filesystem/database
// machinery that keeps them current.
type Registry struct {
	dao        db.DAO
	bundledDir string
	runtimeDir string

	mu      sync.RWMutex
	entries map[string]map[string]*Entry // platform -> scopeKey -> entry

	// fingerprints tracks row id -> sha256(source)+":"+status for DB sync.
	fingerprints map[string]string

	onHotLoad func(platform, scope string) // telemetry hook, optional
}

func New(dao db.DAO, bundledDir, runtimeDir string) *Registry {
	return &Registry{
		dao:          dao,
		bundledDir:   bundledDir,
		runtimeDir:   runtimeDir,
		entries:      map[string]map[string]*Entry{},
		fingerprints: map[string]string{},
	}
}

// OnHotLoad registers a callback invoked after every successful hot-load.
func (r *Registry) OnHotLoad(fn func(platform, scope string)) {
	r.onHotLoad = fn
}

// RegisterPublic stores a public entry for its platform, replacing any
// previous public entry atomically.
func (r *Registry) RegisterPublic(e *Entry) {
	e.Status = db.AdapterStatusPublic
	e.OwnerID = ""
	r.put(e.Platform, PublicScope, e)
}

// RegisterScoped stores a sandbox entry under its owner's scope.
func (r *Registry) RegisterScoped(e *Entry) {
	e.Status = db.AdapterStatusSandbox
	r.put(e.Platform, e.OwnerID, e)
}

func (r *Registry) UnregisterPublic(platform string) {
	r.remove(platform, PublicScope)
}

func (r *Registry) UnregisterScoped(platform, ownerID string) {
	r.remove(platform, ownerID)
}

// Resolve returns the adapter entry for a platform: the caller's sandbox
// entry when one exists, the public entry otherwise.
func (r *Registry) Resolve(platform, ownerID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := r.entries[platform]
	if scopes == nil {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, platform)
	}
	if ownerID != "" {
		if e := scopes[ownerID]; e != nil {
			return e, nil
		}
	}
	if e := scopes[PublicScope]; e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, platform)
}

// ListPublic returns every public entry ordered by platform.
func (r *Registry) ListPublic() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, scopes := range r.entries {
		if e := scopes[PublicScope]; e != nil {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// ListScoped returns the owner's sandbox entries ordered by platform.
func (r *Registry) ListScoped(ownerID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, scopes := range r.entries {
		if e := scopes[ownerID]; e != nil {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// ListAll returns every entry in every scope.
func (r *Registry) ListAll() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, scopes := range r.entries {
		for _, e := range scopes {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// ListOAuthAdapters returns public entries whose manifest describes an OAuth
// adapter. Manifests that omit the platform are tolerated; the entry key
// fills it.
func (r *Registry) ListOAuthAdapters() []*manifest.Manifest {
	var out []*manifest.Manifest
	for _, e := range r.ListPublic() {
		if e.Manifest == nil || !e.Manifest.IsOAuth() {
			continue
		}
		m := *e.Manifest
		if m.Platform == "" {
			m.Platform = e.Platform
		}
		out = append(out, &m)
	}
	return out
}

// GetOAuthAdapter finds a public OAuth manifest by oauth service name or
// platform.
func (r *Registry) GetOAuthAdapter(serviceOrPlatform string) (*manifest.Manifest, error) {
	for _, m := range r.ListOAuthAdapters() {
		if m.Platform == serviceOrPlatform || (m.OAuth != nil && m.OAuth.OAuthService == serviceOrPlatform) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: no oauth adapter for %s", ErrAdapterNotFound, serviceOrPlatform)
}

func (r *Registry) put(platform, scope string, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopes := r.entries[platform]
	if scopes == nil {
		scopes = map[string]*Entry{}
		r.entries[platform] = scopes
	}
	scopes[scope] = e

	if r.onHotLoad != nil {
		r.onHotLoad(platform, scope)
	}
}

func (r *Registry) remove(platform, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopes := r.entries[platform]
	if scopes == nil {
		return
	}
	delete(scopes, scope)
	if len(scopes) == 0 {
		delete(r.entries, platform)
	}
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Platform != entries[j].Platform {
			return entries[i].Platform < entries[j].Platform
		}
		return entries[i].OwnerID < entries[j].OwnerID
	})
}
