package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenr-ai/agenr/pkg/business"
	"github.com/agenr-ai/agenr/pkg/db"
)

func (s *Server) handleListBusinesses(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	rows, err := s.businesses.ListByOwner(r.Context(), p.ID)
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

func (s *Server) handleCreateBusiness(w http.ResponseWriter, r *http.Request) {
	var in business.Input
	if !decodeBody(w, r, &in) {
		return
	}
	if err := s.validate.Struct(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	p := principalFrom(r.Context())
	row, err := s.businesses.Create(r.Context(), p.ID, in)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, businessView(row))
}

func (s *Server) handleGetBusiness(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedBusiness(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, businessView(row))
}

func (s *Server) handleUpdateBusiness(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedBusiness(w, r)
	if !ok {
		return
	}

	var in business.Input
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Name != "" {
		row.Name = in.Name
	}
	if in.Platform != "" {
		row.Platform = in.Platform
	}
	applyOptional(&row.Location, in.Location)
	applyOptional(&row.Description, in.Description)
	applyOptional(&row.Category, in.Category)
	if in.Preferences != nil {
		if b, err := json.Marshal(in.Preferences); err == nil {
			row.Preferences.String = string(b)
			row.Preferences.Valid = true
		}
	}

	if err := s.businesses.Update(r.Context(), *row); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, businessView(row))
}

func (s *Server) handleDeleteBusiness(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedBusiness(w, r)
	if !ok {
		return
	}

	row.Status = db.BusinessStatusDeleted
	if err := s.businesses.Update(r.Context(), *row); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBusinessConnect points a business at an OAuth connection: it reports
// whether the owner already holds a credential for the business's platform.
func (s *Server) handleBusinessConnect(w http.ResponseWriter, r *http.Request) {
	row, ok := s.ownedBusiness(w, r)
	if !ok {
		return
	}

	p := principalFrom(r.Context())
	connected, err := s.vault.Has(r.Context(), p.ID, row.Platform)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	resp := map[string]any{"businessId": row.ID, "platform": row.Platform, "connected": connected}
	if !connected {
		resp["connectUrl"] = s.cfg.PublicURL + "/connect/" + row.Platform
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ownedBusiness(w http.ResponseWriter, r *http.Request) (*db.Business, bool) {
	row, err := s.businesses.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaxonomyError(w, r, err)
		return nil, false
	}

	p := principalFrom(r.Context())
	if row.OwnerID != p.ID && !p.Admin {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "not your business")
		return nil, false
	}
	return row, true
}

func businessView(row *db.Business) map[string]any {
	v := map[string]any{
		"id":       row.ID,
		"name":     row.Name,
		"platform": row.Platform,
		"status":   row.Status,
	}
	if row.Location.Valid {
		v["location"] = row.Location.String
	}
	if row.Description.Valid {
		v["description"] = row.Description.String
	}
	if row.Category.Valid {
		v["category"] = row.Category.String
	}
	if row.Preferences.Valid {
		var prefs map[string]any
		if err := json.Unmarshal([]byte(row.Preferences.String), &prefs); err == nil {
			v["preferences"] = prefs
		}
	}
	return v
}

func applyOptional(dst *sql.NullString, v string) {
	if v != "" {
		dst.String = v
		dst.Valid = true
	}
}
