package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agenr-ai/agenr/pkg/manifest"
	"github.com/agenr-ai/agenr/pkg/vault"
)

// CredentialResolver loads the caller's credential for the context's
// platform. force requests an upstream token refresh before the load.
// A nil payload with nil error means no credential exists.
type CredentialResolver func(ctx context.Context, force bool) (*vault.Payload, error)

// Context is the per-request object adapters use for HTTP and credential
// access. It enforces the manifest's domain allow-list, injects auth into
// outbound requests, and retries once on 401 with a forced refresh.
type Context struct {
	Platform    string
	UserID      string
	ExecutionID string
	Manifest    *manifest.Manifest

	resolve CredentialResolver
	client  *http.Client

	// signalCtx is the gateway's deadline for this invocation. Fetch honors
	// it in addition to the caller's context.
	signalCtx context.Context

	mu        sync.Mutex
	sf        singleflight.Group
	cached    *vault.Payload
	haveCache bool
	forceNext bool
}

// NewContext builds a request context. signalCtx bounds every outbound call;
// pass context.Background() when no deadline applies.
func NewContext(platform, userID, executionID string, m *manifest.Manifest, resolve CredentialResolver, client *http.Client, signalCtx context.Context) *Context {
	if m == nil {
		m = manifest.NoneFor(platform)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if signalCtx == nil {
		signalCtx = context.Background()
	}
	return &Context{
		Platform:    platform,
		UserID:      userID,
		ExecutionID: executionID,
		Manifest:    m,
		resolve:     resolve,
		client:      client,
		signalCtx:   signalCtx,
	}
}

// Request is one outbound HTTP call. Body is kept as bytes so a 401 retry can
// replay it.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Fetch performs an outbound request on behalf of the adapter. The hostname
// must appear in the manifest's domain lists; authenticated hosts get auth
// headers injected per the manifest strategy. A 401 from an authenticated
// host triggers a one-shot retry with a forced credential refresh.
func (c *Context) Fetch(ctx context.Context, r Request) (*http.Response, error) {
	u, err := url.Parse(r.URL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("unparseable url %q", r.URL)
	}

	class := c.Manifest.ClassifyHost(u.Hostname())
	if class == manifest.DomainDenied {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, u.Hostname())
	}

	header := cloneHeader(r.Header)
	if class == manifest.DomainAuthenticated {
		if err := c.injectAuthHeaders(ctx, header); err != nil {
			return nil, err
		}
	}

	mergedCtx, cancel := c.mergeSignals(ctx)
	defer cancel()

	resp, err := c.do(mergedCtx, r, header)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && class == manifest.DomainAuthenticated && c.strategyRetries() {
		retryHeader := cloneHeader(r.Header)
		c.evictForRefresh()
		if err := c.injectAuthHeaders(ctx, retryHeader); err != nil {
			return resp, nil
		}
		retryResp, retryErr := c.do(mergedCtx, r, retryHeader)
		if retryErr != nil {
			// The retry failing outright is worse information than the
			// original 401; hand that back.
			return resp, nil
		}
		resp.Body.Close()
		return retryResp, nil
	}

	return resp, nil
}

// Credential resolves the caller's credential lazily, sharing one in-flight
// resolve across concurrent callers. force evicts the cache first.
func (c *Context) Credential(ctx context.Context, force bool) (*vault.Payload, error) {
	c.mu.Lock()
	if force {
		c.cached = nil
		c.haveCache = false
		c.forceNext = true
	}
	if c.haveCache {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("credential", func() (any, error) {
		c.mu.Lock()
		if c.haveCache {
			cached := c.cached
			c.mu.Unlock()
			return cached, nil
		}
		forceResolve := c.forceNext
		c.forceNext = false
		c.mu.Unlock()

		if c.resolve == nil {
			return (*vault.Payload)(nil), nil
		}
		payload, err := c.resolve(ctx, forceResolve)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cached = payload
		c.haveCache = true
		c.mu.Unlock()
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*vault.Payload), nil
}

func (c *Context) injectAuthHeaders(ctx context.Context, header http.Header) error {
	strategy := c.Manifest.Auth.Strategy
	if strategy == manifest.StrategyNone || strategy == manifest.StrategyClientCredentials {
		// Client-credentials adapters run their own exchange via Credential.
		return nil
	}

	cred, err := c.Credential(ctx, false)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("%w: no credential for %s", ErrCredentialMissingField, c.Platform)
	}

	switch strategy {
	case manifest.StrategyBearer:
		if cred.AccessToken == "" {
			return fmt.Errorf("%w: access_token", ErrCredentialMissingField)
		}
		header.Set("Authorization", "Bearer "+cred.AccessToken)
	case manifest.StrategyAPIKeyHeader:
		if cred.APIKey == "" {
			return fmt.Errorf("%w: api_key", ErrCredentialMissingField)
		}
		name := c.Manifest.Auth.HeaderName
		if name == "" {
			name = "X-Api-Key"
		}
		header.Set(name, cred.APIKey)
	case manifest.StrategyBasic:
		if cred.Username == "" || cred.Password == "" {
			return fmt.Errorf("%w: username/password", ErrCredentialMissingField)
		}
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Password)))
	case manifest.StrategyCookie:
		if cred.CookieName == "" || cred.CookieValue == "" {
			return fmt.Errorf("%w: cookie_name/cookie_value", ErrCredentialMissingField)
		}
		cookie := cred.CookieName + "=" + cred.CookieValue
		if existing := header.Get("Cookie"); existing != "" {
			cookie = existing + "; " + cookie
		}
		header.Set("Cookie", cookie)
	case manifest.StrategyCustom:
		name := c.Manifest.Auth.HeaderName
		if name == "" || cred.APIKey == "" {
			return fmt.Errorf("%w: headerName/api_key", ErrCredentialMissingField)
		}
		header.Set(name, cred.APIKey)
	}
	return nil
}

func (c *Context) strategyRetries() bool {
	s := c.Manifest.Auth.Strategy
	return s != manifest.StrategyNone && s != manifest.StrategyClientCredentials
}

func (c *Context) evictForRefresh() {
	c.mu.Lock()
	c.cached = nil
	c.haveCache = false
	c.forceNext = true
	c.mu.Unlock()
}

func (c *Context) do(ctx context.Context, r Request, header http.Header) (*http.Response, error) {
	var body *bytes.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header = header

	return c.client.Do(req)
}

// mergeSignals derives a context canceled when either the caller's context or
// the gateway deadline fires.
func (c *Context) mergeSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.signalCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func cloneHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
