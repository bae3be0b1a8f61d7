package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/agenr-ai/agenr/pkg/adapter/runner"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
)

var slugCleanPattern = regexp.MustCompile(`[^a-z0-9]+`)

// SeedBundled reconciles the read-only bundled descriptors with the database
// and the runtime directory. Bundled sources are never modified; the runtime
// copy is the one that gets loaded.
func (r *Registry) SeedBundled(ctx context.Context) error {
	entries, err := os.ReadDir(r.bundledDir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Logf("registry: bundled directory %s missing, skipping seed", r.bundledDir)
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != runner.Ext {
			continue
		}
		if err := r.seedOne(ctx, filepath.Join(r.bundledDir, entry.Name())); err != nil {
			log.Logf("registry: seeding %s: %v", entry.Name(), err)
		}
	}
	return nil
}

func (r *Registry) seedOne(ctx context.Context, bundledPath string) error {
	src, err := os.ReadFile(bundledPath)
	if err != nil {
		return err
	}

	name, version := runner.ScanPlatformVersion(src)
	if name == "" {
		return fmt.Errorf("no platform key in %s", bundledPath)
	}
	platform := platformSlug(name)

	row, err := r.dao.GetAdapterByPlatformOwner(ctx, platform, db.SystemOwner)
	if err != nil {
		return err
	}

	if row == nil {
		// A sandbox or user-owned row squatting on a bundled platform is
		// reassigned to the system.
		if existing, err := r.dao.GetPublicAdapter(ctx, platform); err != nil {
			return err
		} else if existing != nil && existing.OwnerID != db.SystemOwner {
			existing.OwnerID = db.SystemOwner
			if err := r.dao.UpdateAdapter(ctx, *existing); err != nil {
				return err
			}
			row = existing
		}
	}

	switch {
	case row == nil:
		return r.installBundled(ctx, platform, version, src, db.Adapter{
			ID:          uuid.NewString(),
			Platform:    platform,
			OwnerID:     db.SystemOwner,
			Status:      db.AdapterStatusPublic,
			SubmittedAt: db.NowMillis(),
		})
	case version != "" && semverNewer(version, row.Version.String):
		row.Version = sql.NullString{String: version, Valid: true}
		return r.installBundled(ctx, platform, version, src, *row)
	default:
		return nil
	}
}

func (r *Registry) installBundled(ctx context.Context, platform, version string, src []byte, row db.Adapter) error {
	target, err := r.publicPath(platform)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(target, src, 0o644); err != nil {
		return err
	}

	row.FilePath = target
	row.SourceCode = sql.NullString{String: string(src), Valid: true}
	row.SourceHash = SourceHash(src)
	if version != "" {
		row.Version = sql.NullString{String: version, Valid: true}
	}
	if err := r.dao.UpsertAdapter(ctx, row); err != nil {
		return err
	}

	_, err = r.HotLoad(target, platform, "", db.AdapterStatusPublic)
	return err
}

// SourceHash is the stored hash of a descriptor source.
func SourceHash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

func platformSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugCleanPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// semverNewer reports whether a is strictly newer than b. Versions parse as
// up to three numeric components; missing components count as zero. An
// unparseable b is treated as older.
func semverNewer(a, b string) bool {
	av := parseSemver(a)
	bv := parseSemver(b)
	for i := range 3 {
		if av[i] != bv[i] {
			return av[i] > bv[i]
		}
	}
	return false
}

func parseSemver(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		out[i] = n
	}
	return out
}
