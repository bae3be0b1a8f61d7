package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/agenr-ai/agenr/pkg/db"
)

const sessionTTL = 7 * 24 * time.Hour

// loginStateUser marks oauth_state rows belonging to the login flow rather
// than a service connection.
const loginStateUser = "__login__"

func (s *Server) oauthConfig(provider string) (*oauth2.Config, error) {
	redirect := s.cfg.PublicURL + "/auth/" + provider + "/callback"
	switch provider {
	case "google":
		if s.cfg.GoogleClientID == "" {
			return nil, fmt.Errorf("google login not configured")
		}
		return &oauth2.Config{
			ClientID:     s.cfg.GoogleClientID,
			ClientSecret: s.cfg.GoogleClientSecret,
			Endpoint:     endpoints.Google,
			RedirectURL:  redirect,
			Scopes:       []string{"openid", "email", "profile"},
		}, nil
	case "github":
		if s.cfg.GitHubClientID == "" {
			return nil, fmt.Errorf("github login not configured")
		}
		return &oauth2.Config{
			ClientID:     s.cfg.GitHubClientID,
			ClientSecret: s.cfg.GitHubClientSecret,
			Endpoint:     endpoints.GitHub,
			RedirectURL:  redirect,
			Scopes:       []string{"read:user", "user:email"},
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q", provider)
	}
}

func (s *Server) handleAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	cfg, err := s.oauthConfig(provider)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	state := uuid.NewString()
	now := db.NowMillis()
	if err := s.dao.InsertOAuthState(r.Context(), db.OAuthState{
		State:     state,
		UserID:    loginStateUser,
		ServiceID: provider,
		CreatedAt: now,
		ExpiresAt: now + (10 * time.Minute).Milliseconds(),
	}); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	http.Redirect(w, r, cfg.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	cfg, err := s.oauthConfig(provider)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	stateRow, err := s.dao.ConsumeOAuthState(r.Context(), r.URL.Query().Get("state"), db.NowMillis())
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	if stateRow == nil || stateRow.UserID != loginStateUser || stateRow.ServiceID != provider {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid or expired state")
		return
	}

	token, err := cfg.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		writeError(w, r, http.StatusBadGateway, CodeAdapterError, "token exchange failed")
		return
	}

	email, name, err := fetchIdentity(r.Context(), provider, cfg, token)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, CodeAdapterError, "identity lookup failed")
		return
	}

	user, err := s.dao.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	if user == nil {
		user = &db.User{
			ID:        uuid.NewString(),
			Email:     email,
			Provider:  provider,
			CreatedAt: db.NowMillis(),
		}
		if name != "" {
			user.Name = sql.NullString{String: name, Valid: true}
		}
		if err := s.dao.InsertUser(r.Context(), *user); err != nil {
			writeTaxonomyError(w, r, err)
			return
		}
	}

	session := db.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: db.NowMillis() + sessionTTL.Milliseconds(),
		CreatedAt: db.NowMillis(),
	}
	if err := s.dao.InsertSession(r.Context(), session); err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		_ = s.dao.DeleteSession(r.Context(), cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func fetchIdentity(ctx context.Context, provider string, cfg *oauth2.Config, token *oauth2.Token) (email, name string, err error) {
	client := cfg.Client(ctx, token)

	switch provider {
	case "google":
		resp, err := client.Get("https://openidconnect.googleapis.com/v1/userinfo")
		if err != nil {
			return "", "", err
		}
		defer resp.Body.Close()
		var info struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return "", "", err
		}
		if info.Email == "" {
			return "", "", fmt.Errorf("no email in userinfo")
		}
		return info.Email, info.Name, nil
	case "github":
		resp, err := client.Get("https://api.github.com/user")
		if err != nil {
			return "", "", err
		}
		defer resp.Body.Close()
		var info struct {
			Email string `json:"email"`
			Name  string `json:"name"`
			Login string `json:"login"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return "", "", err
		}
		if info.Name == "" {
			info.Name = info.Login
		}
		if info.Email != "" {
			return info.Email, info.Name, nil
		}

		// Private-email accounts need the emails endpoint.
		emailsResp, err := client.Get("https://api.github.com/user/emails")
		if err != nil {
			return "", "", err
		}
		defer emailsResp.Body.Close()
		var emailRows []struct {
			Email   string `json:"email"`
			Primary bool   `json:"primary"`
		}
		if err := json.NewDecoder(emailsResp.Body).Decode(&emailRows); err != nil {
			return "", "", err
		}
		for _, row := range emailRows {
			if row.Primary {
				return row.Email, info.Name, nil
			}
		}
		if len(emailRows) > 0 {
			return emailRows[0].Email, info.Name, nil
		}
		return "", "", fmt.Errorf("no email on github account")
	default:
		return "", "", fmt.Errorf("unknown provider %q", provider)
	}
}
