package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/gateway"
	"github.com/agenr-ai/agenr/pkg/log"
)

type agpRequest struct {
	BusinessID string         `json:"businessId" validate:"required"`
	Input      map[string]any `json:"input"`
	// ConfirmationToken accompanies execute under the strict policy.
	ConfirmationToken string `json:"confirmationToken,omitempty"`
}

type verbFunc func(ctx context.Context, ownerKeyID, businessID string, input map[string]any) (*gateway.Result, error)

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	s.handleVerb(w, r, s.svc.Discover)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.handleVerb(w, r, s.svc.Query)
}

func (s *Server) handleVerb(w http.ResponseWriter, r *http.Request, verb verbFunc) {
	var req agpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	p := principalFrom(r.Context())
	result, err := verb(r.Context(), p.ID, req.BusinessID, req.Input)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePrepareExecute(w http.ResponseWriter, r *http.Request) {
	var req agpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	p := principalFrom(r.Context())
	required, token := s.policy.Prepare(p.ID, req.BusinessID)

	resp := map[string]any{"confirmationRequired": required}
	if token != "" {
		resp["token"] = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)

	// Idempotent replay short-circuits everything, including the policy gate:
	// the cached response is the earlier execution's outcome.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		cached, err := s.idem.Lookup(ctx, p.ID, idemKey)
		if err != nil {
			writeTaxonomyError(w, r, err)
			return
		}
		if cached != nil {
			replay(w, cached, true)
			return
		}
	}

	var req agpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	if err := s.policy.Check(p.ID, req.BusinessID, req.ConfirmationToken); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	result, err := s.svc.Execute(ctx, p.ID, req.BusinessID, req.Input)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	if idemKey != "" {
		rec := newRecorder()
		writeJSON(rec, http.StatusOK, result)
		snap := rec.snapshot()
		if err := s.idem.Store(ctx, p.ID, idemKey, snap); err != nil {
			log.Logf("idempotency: storing response: %v", err)
		}
		replay(w, &snap, false)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	tx, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"), p.ID)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	if tx == nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, transactionView(tx))
}

func (s *Server) handlePublicBusinesses(w http.ResponseWriter, r *http.Request) {
	rows, err := s.businesses.ListActive(r.Context())
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		out = append(out, businessView(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"businesses": out})
}

func transactionView(tx *db.Transaction) map[string]any {
	v := map[string]any{
		"id":         tx.ID,
		"verb":       tx.Verb,
		"businessId": tx.BusinessID,
		"status":     tx.Status,
		"createdAt":  tx.CreatedAt,
		"updatedAt":  tx.UpdatedAt,
	}
	if tx.Result.Valid {
		v["result"] = tx.Result.String
	}
	if tx.Error.Valid {
		v["error"] = tx.Error.String
	}
	return v
}
