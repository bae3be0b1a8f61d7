package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agenr-ai/agenr/pkg/adapter/runner"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
)

// RestoreFromDB writes every stored adapter source back to its runtime file
// and records its fingerprint. Restore only touches files; loading happens in
// SyncFromDB or the bundled seeder.
func (r *Registry) RestoreFromDB(ctx context.Context) error {
	rows, err := r.dao.ListAdapters(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if !row.SourceCode.Valid || row.SourceCode.String == "" {
			continue
		}
		target, err := r.containRuntime(row.FilePath)
		if err != nil {
			log.Logf("registry: refusing restore of %s: %v", row.Platform, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			log.Logf("registry: restore %s: %v", row.Platform, err)
			continue
		}
		if err := os.WriteFile(target, []byte(row.SourceCode.String), 0o644); err != nil {
			log.Logf("registry: restore %s: %v", row.Platform, err)
			continue
		}

		r.mu.Lock()
		r.fingerprints[row.ID] = fingerprint(row)
		r.mu.Unlock()
	}
	return nil
}

// SyncFromDB reconciles the registry with the adapter table: rows whose
// fingerprint changed (or that are new) are restored and hot-loaded, rows no
// longer present are forgotten.
func (r *Registry) SyncFromDB(ctx context.Context) error {
	rows, err := r.dao.ListAdapters(ctx)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, row := range rows {
		seen[row.ID] = true

		fp := fingerprint(row)
		r.mu.RLock()
		prev, tracked := r.fingerprints[row.ID]
		r.mu.RUnlock()
		if tracked && prev == fp {
			continue
		}

		if !row.SourceCode.Valid || !loadableStatus(row.Status) {
			r.mu.Lock()
			r.fingerprints[row.ID] = fp
			r.mu.Unlock()
			continue
		}

		target, err := r.containRuntime(row.FilePath)
		if err != nil {
			log.Logf("registry: sync refusing %s: %v", row.Platform, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			log.Logf("registry: sync %s: %v", row.Platform, err)
			continue
		}
		if err := os.WriteFile(target, []byte(row.SourceCode.String), 0o644); err != nil {
			log.Logf("registry: sync %s: %v", row.Platform, err)
			continue
		}

		// A status flip moves the adapter between scopes; drop the old
		// registration first.
		if tracked {
			if prevStatus := statusOf(prev); prevStatus != row.Status {
				if prevStatus == db.AdapterStatusPublic {
					r.UnregisterPublic(row.Platform)
				} else {
					r.UnregisterScoped(row.Platform, row.OwnerID)
				}
			}
		}

		owner := ""
		if row.Status != db.AdapterStatusPublic {
			owner = row.OwnerID
		}
		if _, err := r.HotLoad(target, row.Platform, owner, row.Status); err != nil {
			log.Logf("registry: sync hot-load %s: %v", row.Platform, err)
			continue
		}

		r.mu.Lock()
		r.fingerprints[row.ID] = fp
		r.mu.Unlock()
	}

	r.mu.Lock()
	for id := range r.fingerprints {
		if !seen[id] {
			delete(r.fingerprints, id)
		}
	}
	r.mu.Unlock()

	return nil
}

// LoadDynamicDir hot-loads any descriptor file sitting in the runtime
// directory root that no load has picked up yet, as a public adapter.
func (r *Registry) LoadDynamicDir(ctx context.Context) error {
	entries, err := os.ReadDir(r.runtimeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := map[string]bool{}
	r.mu.RLock()
	for _, scopes := range r.entries {
		for _, e := range scopes {
			loaded[e.Source] = true
		}
	}
	r.mu.RUnlock()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != runner.Ext {
			continue
		}
		path := filepath.Join(r.runtimeDir, entry.Name())
		if loaded[path] {
			continue
		}
		if _, err := r.HotLoad(path, "", "", db.AdapterStatusPublic); err != nil {
			log.Logf("registry: dynamic load %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// StartSync runs periodic DB sync plus an fsnotify watch over the runtime
// directory root until the context ends. interval zero disables the periodic
// pass but keeps the watch.
func (r *Registry) StartSync(ctx context.Context, interval time.Duration) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Logf("registry: fsnotify unavailable: %v", err)
		watcher = nil
	} else if err := watcher.Add(r.runtimeDir); err != nil {
		log.Logf("registry: cannot watch %s: %v", r.runtimeDir, err)
		watcher.Close()
		watcher = nil
	}

	go func() {
		if watcher != nil {
			defer watcher.Close()
		}

		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				if err := r.SyncFromDB(ctx); err != nil {
					log.Logf("registry: periodic sync: %v", err)
				}
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && filepath.Ext(ev.Name) == runner.Ext {
					if err := r.LoadDynamicDir(ctx); err != nil {
						log.Logf("registry: watch reload: %v", err)
					}
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				log.Logf("registry: watch error: %v", err)
			}
		}
	}()
}

func fingerprint(row db.Adapter) string {
	return SourceHash([]byte(row.SourceCode.String)) + ":" + row.Status
}

func statusOf(fp string) string {
	if i := strings.LastIndexByte(fp, ':'); i >= 0 {
		return fp[i+1:]
	}
	return ""
}

func loadableStatus(status string) bool {
	return status == db.AdapterStatusPublic || status == db.AdapterStatusSandbox || status == db.AdapterStatusReview
}
