// Package audit writes the hash-chained credential audit log. Audit writes
// never fail the caller: on any underlying error the entry is dropped with a
// warning.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
)

// Actions recorded in the log.
const (
	ActionCredentialStored    = "credential_stored"
	ActionCredentialRetrieved = "credential_retrieved"
	ActionCredentialDeleted   = "credential_deleted"
	ActionCredentialRotated   = "credential_rotated"
	ActionKeyCreated          = "key_created"
)

var secretKeyPattern = regexp.MustCompile(`(?i)access[_-]?token|refresh[_-]?token|password|secret|api[_-]?key|private[_-]?key|credential`)

// Logger appends entries to the chain. Writes are serialized through a mutex
// so prevHash computation is never interleaved; chronological reconstruction
// stays valid either way.
type Logger struct {
	dao db.AuditDAO
	mu  sync.Mutex
}

func NewLogger(dao db.AuditDAO) *Logger {
	return &Logger{dao: dao}
}

// Entry is the caller-facing shape of one audit event.
type Entry struct {
	UserID      string
	ServiceID   string
	Action      string
	ExecutionID string
	IPAddress   string
	Metadata    map[string]any
}

// Log appends an entry. It never returns an error to the caller.
func (l *Logger) Log(ctx context.Context, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.dao.LatestAuditEntry(ctx)
	if err != nil {
		log.Logf("audit: failed to read chain tail: %v", err)
		return
	}

	// Keep timestamps strictly increasing so the (timestamp, id) order of the
	// log is the write order even when two entries land in the same
	// millisecond.
	ts := db.NowMillis()
	if prev != nil && ts <= prev.Timestamp {
		ts = prev.Timestamp + 1
	}

	row := db.AuditEntry{
		ID:        uuid.NewString(),
		UserID:    e.UserID,
		ServiceID: e.ServiceID,
		Action:    e.Action,
		Timestamp: ts,
		PrevHash:  PrevHash(prev),
	}
	if e.ExecutionID != "" {
		row.ExecutionID = sql.NullString{String: e.ExecutionID, Valid: true}
	}
	if e.IPAddress != "" {
		row.IPAddress = sql.NullString{String: e.IPAddress, Valid: true}
	}
	if e.Metadata != nil {
		sanitized := Sanitize(e.Metadata)
		b, err := json.Marshal(sanitized)
		if err != nil {
			log.Logf("audit: failed to encode metadata: %v", err)
		} else {
			row.Metadata = sql.NullString{String: string(b), Valid: true}
		}
	}

	if err := l.dao.InsertAuditEntry(ctx, row); err != nil {
		log.Logf("audit: failed to append entry: %v", err)
	}
}

// PrevHash computes the chain link for the entry following prev.
// Genesis link is SHA-256("genesis"); otherwise SHA-256(prev.id || prev.timestamp).
func PrevHash(prev *db.AuditEntry) string {
	if prev == nil {
		sum := sha256.Sum256([]byte("genesis"))
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256([]byte(prev.ID + strconv.FormatInt(prev.Timestamp, 10)))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the chain forward over the ordered log and returns the
// index of the first broken link, or -1 if the chain holds.
func (l *Logger) Verify(ctx context.Context) (int, error) {
	entries, err := l.dao.ListAuditEntriesAsc(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading audit log: %w", err)
	}

	var prev *db.AuditEntry
	for i := range entries {
		if entries[i].PrevHash != PrevHash(prev) {
			return i, nil
		}
		prev = &entries[i]
	}
	return -1, nil
}

const circularSentinel = "[circular]"
const maxSanitizeDepth = 32

// Sanitize strips secret-bearing keys from metadata recursively. Arrays are
// preserved; circular references are replaced with a sentinel.
func Sanitize(metadata map[string]any) map[string]any {
	seen := map[any]bool{}
	out, _ := sanitizeValue(metadata, seen, 0).(map[string]any)
	return out
}

func sanitizeValue(v any, seen map[any]bool, depth int) any {
	if depth > maxSanitizeDepth {
		return circularSentinel
	}

	switch val := v.(type) {
	case map[string]any:
		// Maps are reference types; revisiting one means a cycle.
		key := fmt.Sprintf("%p", val)
		if seen[key] {
			return circularSentinel
		}
		seen[key] = true
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if secretKeyPattern.MatchString(k) {
				continue
			}
			out[k] = sanitizeValue(inner, seen, depth+1)
		}
		delete(seen, key)
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner, seen, depth+1)
		}
		return out
	default:
		return v
	}
}
