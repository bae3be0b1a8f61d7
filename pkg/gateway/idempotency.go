package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
)

// IdempotencyTTL is how long a cached execute response replays.
const IdempotencyTTL = time.Hour

// IdempotencyCache replays recent execute responses keyed by
// (principal, Idempotency-Key). Expiry is evaluated lazily on read and
// expired rows are deleted opportunistically.
type IdempotencyCache struct {
	dao db.IdempotencyDAO
}

func NewIdempotencyCache(dao db.IdempotencyDAO) *IdempotencyCache {
	return &IdempotencyCache{dao: dao}
}

// CachedResponse is a replayable response.
type CachedResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Lookup returns the cached response for the key, or nil.
func (c *IdempotencyCache) Lookup(ctx context.Context, principalID, key string) (*CachedResponse, error) {
	entry, err := c.dao.GetIdempotencyEntry(ctx, principalID, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	if time.Since(time.UnixMilli(entry.CreatedAt)) > IdempotencyTTL {
		if err := c.dao.DeleteIdempotencyEntry(ctx, principalID, key); err != nil {
			log.Logf("idempotency: evicting expired entry: %v", err)
		}
		return nil, nil
	}

	var headers http.Header
	if err := json.Unmarshal([]byte(entry.Headers), &headers); err != nil {
		headers = http.Header{}
	}
	return &CachedResponse{Status: entry.Status, Headers: headers, Body: entry.Body}, nil
}

// Store records a 2xx response for replay. Races between concurrent writers
// resolve last-writer-wins.
func (c *IdempotencyCache) Store(ctx context.Context, principalID, key string, resp CachedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return err
	}
	return c.dao.PutIdempotencyEntry(ctx, db.IdempotencyEntry{
		PrincipalID: principalID,
		Key:         key,
		Status:      resp.Status,
		Headers:     string(headers),
		Body:        resp.Body,
		CreatedAt:   db.NowMillis(),
	})
}
