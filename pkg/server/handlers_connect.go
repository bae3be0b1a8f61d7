package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/oauth"
	"github.com/agenr-ai/agenr/pkg/vault"
)

// handleConnectServices lists platforms a user can connect via OAuth: public
// adapters whose manifests carry OAuth configuration.
func (s *Server) handleConnectServices(w http.ResponseWriter, r *http.Request) {
	manifests := s.registry.ListOAuthAdapters()

	type service struct {
		Platform string   `json:"platform"`
		Service  string   `json:"service"`
		Scopes   []string `json:"scopes,omitempty"`
	}
	out := make([]service, 0, len(manifests))
	for _, m := range manifests {
		svc := m.OAuth.OAuthService
		if svc == "" {
			svc = m.Platform
		}
		out = append(out, service{Platform: m.Platform, Service: svc, Scopes: m.Scopes})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

// handleConnectAuthorize 302s the user to the provider's authorization URL
// with a stored CSRF state.
func (s *Server) handleConnectAuthorize(w http.ResponseWriter, r *http.Request) {
	serviceParam := chi.URLParam(r, "service")
	m, err := s.registry.GetOAuthAdapter(serviceParam)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	oauthService := m.OAuth.OAuthService
	if oauthService == "" {
		oauthService = m.Platform
	}

	app, err := s.vault.AppCredential(r.Context(), oauthService)
	if err != nil {
		if errors.Is(err, vault.ErrCredentialNotFound) {
			writeError(w, r, http.StatusBadRequest, CodeValidation, fmt.Sprintf("no app credentials configured for %s", oauthService))
			return
		}
		writeTaxonomyError(w, r, err)
		return
	}

	p := principalFrom(r.Context())
	state := uuid.NewString()
	if err := oauth.NewState(r.Context(), s.dao, state, p.ID, m.Platform); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	redirectURI := s.cfg.PublicURL + "/connect/" + m.Platform + "/callback"
	authURL, err := oauth.AuthorizeURL(m.OAuth, app.ClientID, redirectURI, state, m.Scopes)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleConnectCallback exchanges the authorization code and stores the
// credential for the user bound to the state.
func (s *Server) handleConnectCallback(w http.ResponseWriter, r *http.Request) {
	serviceParam := chi.URLParam(r, "service")

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "provider error: "+oauth.SanitizeProviderBody(errParam))
		return
	}

	code := r.URL.Query().Get("code")
	stateParam := r.URL.Query().Get("state")
	if code == "" || stateParam == "" {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "missing code or state")
		return
	}

	state, err := s.dao.ConsumeOAuthState(r.Context(), stateParam, db.NowMillis())
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	if state == nil || state.ServiceID != vault.NormalizeService(serviceParam) {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid or expired state")
		return
	}

	m, err := s.registry.GetOAuthAdapter(serviceParam)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	redirectURI := s.cfg.PublicURL + "/connect/" + m.Platform + "/callback"
	if err := s.refresher.Exchange(r.Context(), state.UserID, m.Platform, m.OAuth, code, redirectURI); err != nil {
		if errors.Is(err, oauth.ErrNotConfigured) {
			writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		writeError(w, r, http.StatusBadGateway, CodeAdapterError, "token exchange failed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>Connected</h1><p>%s is now linked. You can close this window.</p></body></html>", m.Platform)
}
