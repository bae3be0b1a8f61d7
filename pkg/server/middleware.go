package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/gateway"
)

// Principal is the resolved caller.
type Principal struct {
	ID     string
	Email  string
	Admin  bool
	Scopes []string
}

// HasScope reports whether the principal carries a scope. Admins and
// wildcard keys pass every check.
func (p *Principal) HasScope(scope string) bool {
	if p.Admin {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// HashAPIKey is the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves the principal from a bearer API key or a session
// cookie. In development the bootstrap admin path applies when no credential
// is presented.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key := strings.TrimPrefix(auth, "Bearer ")
			row, err := s.dao.GetAPIKeyByHash(ctx, HashAPIKey(key))
			if err != nil {
				writeTaxonomyError(w, r, err)
				return
			}
			if row == nil || row.RevokedAt.Valid {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid api key")
				return
			}
			_ = s.dao.TouchAPIKey(ctx, row.ID, db.NowMillis())
			// API keys carry scopes, never the admin role; admin comes from a
			// session with a configured admin email (or the dev bootstrap).
			p := &Principal{ID: row.OwnerID, Scopes: row.Scopes}
			next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, p)))
			return
		}

		if cookie, err := r.Cookie(sessionCookie); err == nil {
			sess, err := s.dao.GetSession(ctx, cookie.Value)
			if err != nil {
				writeTaxonomyError(w, r, err)
				return
			}
			if sess != nil && sess.ExpiresAt > db.NowMillis() {
				user, err := s.dao.GetUser(ctx, sess.UserID)
				if err != nil {
					writeTaxonomyError(w, r, err)
					return
				}
				if user != nil {
					p := &Principal{
						ID:     user.ID,
						Email:  user.Email,
						Admin:  s.cfg.IsAdmin(user.Email),
						Scopes: []string{"*"},
					}
					next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, p)))
					return
				}
			}
		}

		if s.cfg.Environment == "development" {
			p := &Principal{ID: gateway.AdminOwner, Admin: true, Scopes: []string{"*"}}
			next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, p)))
			return
		}

		writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
	})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if p == nil {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
				return
			}
			if !p.HasScope(scope) {
				writeError(w, r, http.StatusForbidden, CodeForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if p == nil {
			writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
			return
		}
		if !p.Admin {
			writeError(w, r, http.StatusForbidden, CodeForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter keeps one token bucket per principal.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) allow(principalID string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[principalID]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[principalID] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		id := "anonymous"
		if p != nil {
			id = p.ID
		}
		if !s.limiter.allow(id) {
			writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors reflects configured origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.cfg.CORSOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
