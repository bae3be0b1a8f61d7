package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenr-ai/agenr/pkg/vault"
)

type storeCredentialRequest struct {
	Service  string   `json:"service" validate:"required"`
	AuthType string   `json:"authType" validate:"required,oneof=api_key cookie basic client_credentials"`
	Scopes   []string `json:"scopes,omitempty"`

	APIKey       string `json:"apiKey,omitempty"`
	CookieName   string `json:"cookieName,omitempty"`
	CookieValue  string `json:"cookieValue,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	connections, err := s.vault.ListConnections(r.Context(), p.ID)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": connections})
}

// handleStoreCredential covers the manual, non-OAuth credential types. OAuth
// credentials arrive through /connect.
func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var req storeCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	payload := vault.Payload{
		APIKey:       req.APIKey,
		CookieName:   req.CookieName,
		CookieValue:  req.CookieValue,
		Username:     req.Username,
		Password:     req.Password,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
	}

	p := principalFrom(r.Context())
	if err := s.vault.Store(r.Context(), p.ID, req.Service, req.AuthType, payload, req.Scopes); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"service": vault.NormalizeService(req.Service), "status": "stored"})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := s.vault.Delete(r.Context(), p.ID, chi.URLParam(r, "service")); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type appCredentialRequest struct {
	ClientID     string `json:"clientId" validate:"required"`
	ClientSecret string `json:"clientSecret" validate:"required"`
}

func (s *Server) handleStoreAppCredential(w http.ResponseWriter, r *http.Request) {
	var req appCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	service := chi.URLParam(r, "service")
	if err := s.vault.StoreAppCredential(r.Context(), service, req.ClientID, req.ClientSecret); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"service": vault.NormalizeService(service), "status": "stored"})
}

func (s *Server) handleDeleteAppCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.DeleteAppCredential(r.Context(), chi.URLParam(r, "service")); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
