package server

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agenr-ai/agenr/pkg/db"
)

type createKeyRequest struct {
	Label  string   `json:"label,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	rows, err := s.dao.ListAPIKeysByOwner(r.Context(), p.ID)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	type keyView struct {
		ID         string   `json:"id"`
		Label      string   `json:"label,omitempty"`
		Scopes     []string `json:"scopes"`
		CreatedAt  int64    `json:"createdAt"`
		LastUsedAt *int64   `json:"lastUsedAt,omitempty"`
		Revoked    bool     `json:"revoked"`
	}
	out := make([]keyView, 0, len(rows))
	for _, row := range rows {
		kv := keyView{
			ID:        row.ID,
			Label:     row.Label.String,
			Scopes:    row.Scopes,
			CreatedAt: row.CreatedAt,
			Revoked:   row.RevokedAt.Valid,
		}
		if row.LastUsedAt.Valid {
			kv.LastUsedAt = &row.LastUsedAt.Int64
		}
		out = append(out, kv)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// handleCreateKey mints an API key. The plaintext key appears exactly once,
// in this response; only its hash is stored.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	key := "agk_" + hex.EncodeToString(raw)

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{"agp:read", "agp:write"}
	}

	p := principalFrom(r.Context())
	row := db.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   HashAPIKey(key),
		OwnerID:   p.ID,
		Scopes:    scopes,
		CreatedAt: db.NowMillis(),
	}
	if req.Label != "" {
		row.Label = sql.NullString{String: req.Label, Valid: true}
	}

	if err := s.dao.InsertAPIKey(r.Context(), row); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     row.ID,
		"key":    key,
		"scopes": scopes,
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := principalFrom(r.Context())

	rows, err := s.dao.ListAPIKeysByOwner(r.Context(), p.ID)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	for _, row := range rows {
		if row.ID == id {
			if err := s.dao.RevokeAPIKey(r.Context(), id, db.NowMillis()); err != nil {
				writeTaxonomyError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, CodeNotFound, "key not found")
}
