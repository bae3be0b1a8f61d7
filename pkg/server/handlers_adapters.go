package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/jobs"
)

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	var rows []db.Adapter
	var err error
	if p.Admin {
		rows, err = s.dao.ListAdapters(r.Context())
	} else {
		rows, err = s.dao.ListAdaptersByOwner(r.Context(), p.ID)
	}
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		out = append(out, adapterView(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": out})
}

type uploadAdapterRequest struct {
	Source string `json:"source" validate:"required"`
}

func (s *Server) handleUploadAdapter(w http.ResponseWriter, r *http.Request) {
	var req uploadAdapterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	p := principalFrom(r.Context())
	row, err := s.registry.Upload(r.Context(), p.ID, []byte(req.Source))
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, adapterView(row))
}

type generateAdapterRequest struct {
	Platform string `json:"platform" validate:"required"`
	DocsURL  string `json:"docsUrl,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (s *Server) handleGenerateAdapter(w http.ResponseWriter, r *http.Request) {
	var req generateAdapterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	p := principalFrom(r.Context())

	if s.cfg.GenerationDailyLimit > 0 {
		count, err := s.queue.CountSince(r.Context(), p.ID, time.Now().Add(-24*time.Hour))
		if err != nil {
			writeTaxonomyError(w, r, err)
			return
		}
		if count >= s.cfg.GenerationDailyLimit {
			writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "daily generation limit reached")
			return
		}
	}

	provider := req.Provider
	if provider == "" {
		provider = s.cfg.GeneratorProvider
	}
	model := req.Model
	if model == "" {
		model = s.cfg.GeneratorModel
	}

	job, err := s.queue.Create(r.Context(), jobs.CreateRequest{
		Platform:   req.Platform,
		DocsURL:    req.DocsURL,
		Provider:   provider,
		Model:      model,
		OwnerKeyID: p.ID,
	})
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	f := db.JobFilter{
		Status:     r.URL.Query().Get("status"),
		OwnerKeyID: p.ID,
		BeforeID:   r.URL.Query().Get("beforeId"),
	}
	if p.Admin && r.URL.Query().Get("all") == "true" {
		f.OwnerKeyID = ""
	}
	if v := r.URL.Query().Get("beforeCreatedAt"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, CodeValidation, "beforeCreatedAt must be a millisecond timestamp")
			return
		}
		f.BeforeCreatedAt = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, CodeValidation, "limit must be an integer")
			return
		}
		f.Limit = n
	}

	rows, err := s.queue.List(r.Context(), f)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		out = append(out, jobView(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "job not found")
		return
	}

	p := principalFrom(r.Context())
	if job.OwnerKeyID.String != p.ID && !p.Admin {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "not your job")
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

type lifecycleRequest struct {
	Message  string `json:"message,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	OwnerID  string `json:"ownerId,omitempty"` // admin operations target another owner's row
}

func (s *Server) handleSubmitAdapter(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	row, err := s.registry.Submit(r.Context(), p.ID, chi.URLParam(r, "platform"), req.Message)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adapterView(row))
}

func (s *Server) handleWithdrawAdapter(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	row, err := s.registry.Withdraw(r.Context(), p.ID, chi.URLParam(r, "platform"))
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adapterView(row))
}

func (s *Server) handleRejectAdapter(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "ownerId is required")
		return
	}
	row, err := s.registry.Reject(r.Context(), chi.URLParam(r, "platform"), req.OwnerID, req.Feedback)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adapterView(row))
}

func (s *Server) handlePromoteAdapter(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "ownerId is required")
		return
	}
	p := principalFrom(r.Context())
	row, err := s.registry.Promote(r.Context(), chi.URLParam(r, "platform"), req.OwnerID, p.ID)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adapterView(row))
}

func (s *Server) handleDemoteAdapter(w http.ResponseWriter, r *http.Request) {
	row, err := s.registry.Demote(r.Context(), chi.URLParam(r, "platform"))
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adapterView(row))
}

// handleDeleteAdapter archives for admins and hard-deletes a sandbox row for
// its owner.
func (s *Server) handleDeleteAdapter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := principalFrom(r.Context())

	if p.Admin {
		row, err := s.registry.Archive(r.Context(), id)
		if err != nil {
			writeTaxonomyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, adapterView(row))
		return
	}

	row, err := s.dao.GetAdapter(r.Context(), id)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	if row == nil || row.OwnerID != p.ID {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "adapter not found")
		return
	}
	if err := s.registry.DeleteSandbox(r.Context(), p.ID, row.Platform); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreAdapter(w http.ResponseWriter, r *http.Request) {
	row, err := s.registry.RestoreArchived(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adapterView(row))
}

func adapterView(row *db.Adapter) map[string]any {
	v := map[string]any{
		"id":          row.ID,
		"platform":    row.Platform,
		"ownerId":     row.OwnerID,
		"status":      row.Status,
		"sourceHash":  row.SourceHash,
		"submittedAt": row.SubmittedAt,
	}
	if row.Version.Valid {
		v["version"] = row.Version.String
	}
	if row.ReviewedAt.Valid {
		v["reviewedAt"] = row.ReviewedAt.Int64
	}
	if row.ArchivedAt.Valid {
		v["archivedAt"] = row.ArchivedAt.Int64
	}
	if row.ReviewMessage.Valid {
		v["reviewMessage"] = row.ReviewMessage.String
	}
	if row.ReviewFeedback.Valid {
		v["reviewFeedback"] = row.ReviewFeedback.String
	}
	if row.PromotedBy.Valid {
		v["promotedBy"] = row.PromotedBy.String
	}
	return v
}

func jobView(job *db.GenerationJob) map[string]any {
	v := map[string]any{
		"id":        job.ID,
		"platform":  job.Platform,
		"status":    job.Status,
		"createdAt": job.CreatedAt,
	}

	var logs []string
	if err := json.Unmarshal([]byte(job.Logs), &logs); err == nil {
		v["logs"] = logs
	}
	setIfValidStr(v, "docsUrl", job.DocsURL)
	setIfValidStr(v, "provider", job.Provider)
	setIfValidStr(v, "model", job.Model)
	setIfValidStr(v, "ownerKeyId", job.OwnerKeyID)
	setIfValidStr(v, "error", job.Error)
	if job.Result.Valid {
		var result any
		if err := json.Unmarshal([]byte(job.Result.String), &result); err == nil {
			v["result"] = result
		}
	}
	if job.StartedAt.Valid {
		v["startedAt"] = job.StartedAt.Int64
	}
	if job.CompletedAt.Valid {
		v["completedAt"] = job.CompletedAt.Int64
	}
	return v
}

func setIfValidStr(v map[string]any, key string, s sql.NullString) {
	if s.Valid {
		v[key] = s.String
	}
}
