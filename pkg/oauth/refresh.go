// Package oauth implements the provider-facing OAuth flows: proactive token
// refresh, authorization-code exchange, and authorize-URL construction.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/agenr-ai/agenr/pkg/audit"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/log"
	"github.com/agenr-ai/agenr/pkg/manifest"
	"github.com/agenr-ai/agenr/pkg/vault"
)

// RefreshWindow is how close to expiry a token must be before a proactive
// refresh kicks in.
const RefreshWindow = 5 * time.Minute

var secretValuePattern = regexp.MustCompile(`(?i)"?(access[_-]?token|refresh[_-]?token|client[_-]?secret|api[_-]?key)"?\s*[:=]\s*"?[^",\s&]+`)

// TokenResponse is the provider's token endpoint reply per RFC 6749.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type Refresher struct {
	vault  *vault.Vault
	log    *audit.Logger
	client *http.Client
}

func NewRefresher(v *vault.Vault, auditLog *audit.Logger, client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{vault: v, log: auditLog, client: client}
}

// RefreshIfNeeded refreshes the user's oauth2 credential for the service when
// forced or within the expiry window. Refresh failures are logged and
// swallowed: the request-path 401 retry covers recovery.
func (r *Refresher) RefreshIfNeeded(ctx context.Context, userID, service string, cfg *manifest.OAuth, force bool) {
	if cfg == nil || cfg.TokenURL == "" {
		return
	}

	meta, err := r.vault.Meta(ctx, userID, service)
	if err != nil {
		if !errors.Is(err, vault.ErrCredentialNotFound) {
			log.Logf("oauth: reading credential metadata for %s/%s: %v", userID, service, err)
		}
		return
	}
	if meta.AuthType != vault.AuthTypeOAuth2 {
		return
	}

	if !force {
		if !meta.ExpiresAt.Valid {
			return
		}
		remaining := time.UnixMilli(meta.ExpiresAt.Int64).Sub(time.Now())
		if remaining > RefreshWindow {
			return
		}
	}

	payload, err := r.vault.Retrieve(ctx, userID, service)
	if err != nil {
		log.Logf("oauth: retrieving credential for refresh %s/%s: %v", userID, service, err)
		return
	}
	if payload.RefreshToken == "" {
		return
	}

	token, err := r.requestRefresh(ctx, service, cfg, payload.RefreshToken)
	if err != nil {
		log.Logf("oauth: refresh failed for %s/%s: %v", userID, service, err)
		return
	}

	updated := *payload
	updated.AccessToken = token.AccessToken
	if token.TokenType != "" {
		updated.TokenType = token.TokenType
	}
	updated.ExpiresIn = token.ExpiresIn
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}

	if err := r.vault.Store(ctx, userID, service, vault.AuthTypeOAuth2, updated, meta.Scopes); err != nil {
		log.Logf("oauth: storing refreshed credential for %s/%s: %v", userID, service, err)
		return
	}

	r.log.Log(ctx, audit.Entry{
		UserID:    userID,
		ServiceID: service,
		Action:    audit.ActionCredentialRotated,
	})
}

func (r *Refresher) requestRefresh(ctx context.Context, service string, cfg *manifest.OAuth, refreshToken string) (*TokenResponse, error) {
	params := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}

	// App credentials are optional for providers that bind the refresh token
	// to the client some other way.
	oauthService := cfg.OAuthService
	if oauthService == "" {
		oauthService = service
	}
	if app, err := r.vault.AppCredential(ctx, oauthService); err == nil {
		params["client_id"] = app.ClientID
		params["client_secret"] = app.ClientSecret
	}

	return PostToken(ctx, r.client, cfg.TokenURL, cfg.TokenContentType, params)
}

// PostToken POSTs to a token endpoint encoding the parameters per the
// manifest's token content type and decodes the RFC 6749 response.
func PostToken(ctx context.Context, client *http.Client, tokenURL, contentType string, params map[string]string) (*TokenResponse, error) {
	var body io.Reader
	var header string

	switch contentType {
	case manifest.ContentTypeJSON:
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
		header = "application/json"
	default:
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		header = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", header)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, SanitizeProviderBody(string(raw)))
	}

	var token TokenResponse
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("no access token in response")
	}
	return &token, nil
}

// SanitizeProviderBody truncates a provider error body and redacts anything
// that looks like secret material before it reaches logs or errors.
func SanitizeProviderBody(body string) string {
	redacted := secretValuePattern.ReplaceAllString(body, "[redacted]")
	if len(redacted) > 200 {
		redacted = redacted[:200]
	}
	return redacted
}

// ErrNotConfigured is returned by Exchange when app credentials are missing.
var ErrNotConfigured = errors.New("oauth app credentials not configured")

// Exchange swaps an authorization code for tokens and stores the resulting
// credential for the user.
func (r *Refresher) Exchange(ctx context.Context, userID, service string, cfg *manifest.OAuth, code, redirectURI string) error {
	oauthService := cfg.OAuthService
	if oauthService == "" {
		oauthService = service
	}
	app, err := r.vault.AppCredential(ctx, oauthService)
	if err != nil {
		if errors.Is(err, vault.ErrCredentialNotFound) {
			return ErrNotConfigured
		}
		return err
	}

	params := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  redirectURI,
		"client_id":     app.ClientID,
		"client_secret": app.ClientSecret,
	}

	token, err := PostToken(ctx, r.client, cfg.TokenURL, cfg.TokenContentType, params)
	if err != nil {
		return err
	}

	payload := vault.Payload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
	}
	var scopes []string
	if token.Scope != "" {
		scopes = strings.Fields(strings.ReplaceAll(token.Scope, ",", " "))
	}
	return r.vault.Store(ctx, userID, service, vault.AuthTypeOAuth2, payload, scopes)
}

// AuthorizeURL builds the provider authorization redirect for a service.
func AuthorizeURL(cfg *manifest.OAuth, clientID, redirectURI, state string, scopes []string) (string, error) {
	u, err := url.Parse(cfg.AuthorizationURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	for k, v := range cfg.ExtraAuthParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OAuthStateTTL bounds how long an authorize redirect may stay outstanding.
const OAuthStateTTL = 10 * time.Minute

// NewState persists a CSRF state row bound to the user and service.
func NewState(ctx context.Context, dao db.AuthDAO, state, userID, service string) error {
	now := db.NowMillis()
	return dao.InsertOAuthState(ctx, db.OAuthState{
		State:     state,
		UserID:    userID,
		ServiceID: vault.NormalizeService(service),
		CreatedAt: now,
		ExpiresAt: now + OAuthStateTTL.Milliseconds(),
	})
}
