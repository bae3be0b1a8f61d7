// Package manifest holds the declarative adapter metadata: auth strategy,
// domain allow-lists and OAuth endpoints.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Auth strategies.
const (
	StrategyNone              = "none"
	StrategyBearer            = "bearer"
	StrategyAPIKeyHeader      = "api-key-header"
	StrategyBasic             = "basic"
	StrategyCookie            = "cookie"
	StrategyCustom            = "custom"
	StrategyClientCredentials = "client-credentials"
)

// Token endpoint body encodings.
const (
	ContentTypeForm = "form"
	ContentTypeJSON = "json"
)

var ErrInvalid = errors.New("invalid manifest")

type Auth struct {
	Type       string   `yaml:"type" json:"type"`
	Strategy   string   `yaml:"strategy" json:"strategy"`
	Scopes     []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	HeaderName string   `yaml:"headerName,omitempty" json:"headerName,omitempty"`
	CookieName string   `yaml:"cookieName,omitempty" json:"cookieName,omitempty"`
}

type OAuth struct {
	AuthorizationURL string            `yaml:"authorizationUrl" json:"authorizationUrl"`
	TokenURL         string            `yaml:"tokenUrl" json:"tokenUrl"`
	TokenContentType string            `yaml:"tokenContentType,omitempty" json:"tokenContentType,omitempty"`
	OAuthService     string            `yaml:"oauthService,omitempty" json:"oauthService,omitempty"`
	ExtraAuthParams  map[string]string `yaml:"extraAuthParams,omitempty" json:"extraAuthParams,omitempty"`
}

type Manifest struct {
	Platform             string   `yaml:"platform" json:"platform"`
	Auth                 Auth     `yaml:"auth" json:"auth"`
	AuthenticatedDomains []string `yaml:"authenticatedDomains,omitempty" json:"authenticatedDomains,omitempty"`
	AllowedDomains       []string `yaml:"allowedDomains,omitempty" json:"allowedDomains,omitempty"`
	Scopes               []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	OAuth                *OAuth   `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// New normalizes and validates a manifest. Any violation is a configuration
// error; the returned manifest is a cleaned copy.
func New(in Manifest) (*Manifest, error) {
	m := in

	if m.Auth.Strategy == "" {
		m.Auth.Strategy = StrategyNone
	}
	switch m.Auth.Strategy {
	case StrategyNone, StrategyBearer, StrategyAPIKeyHeader, StrategyBasic, StrategyCookie, StrategyCustom, StrategyClientCredentials:
	default:
		return nil, fmt.Errorf("%w: unknown auth strategy %q", ErrInvalid, m.Auth.Strategy)
	}

	var err error
	m.AuthenticatedDomains, err = cleanDomains(m.AuthenticatedDomains)
	if err != nil {
		return nil, fmt.Errorf("%w: authenticatedDomains: %v", ErrInvalid, err)
	}
	m.AllowedDomains, err = cleanDomains(m.AllowedDomains)
	if err != nil {
		return nil, fmt.Errorf("%w: allowedDomains: %v", ErrInvalid, err)
	}

	if m.Auth.Strategy != StrategyNone && len(m.AuthenticatedDomains) == 0 {
		return nil, fmt.Errorf("%w: auth strategy %q requires at least one authenticated domain", ErrInvalid, m.Auth.Strategy)
	}

	auth := map[string]bool{}
	for _, d := range m.AuthenticatedDomains {
		auth[NormalizeDomain(d)] = true
	}
	for _, d := range m.AllowedDomains {
		if auth[NormalizeDomain(d)] {
			return nil, fmt.Errorf("%w: domain %q appears in both authenticated and allowed lists", ErrInvalid, d)
		}
	}

	if m.OAuth != nil {
		if err := requireHTTPS(m.OAuth.AuthorizationURL); err != nil {
			return nil, fmt.Errorf("%w: authorizationUrl: %v", ErrInvalid, err)
		}
		if err := requireHTTPS(m.OAuth.TokenURL); err != nil {
			return nil, fmt.Errorf("%w: tokenUrl: %v", ErrInvalid, err)
		}
		if m.OAuth.TokenContentType == "" {
			m.OAuth.TokenContentType = ContentTypeForm
		}
		if m.OAuth.TokenContentType != ContentTypeForm && m.OAuth.TokenContentType != ContentTypeJSON {
			return nil, fmt.Errorf("%w: tokenContentType must be %q or %q", ErrInvalid, ContentTypeForm, ContentTypeJSON)
		}
	}

	return &m, nil
}

// NoneFor returns the fallback manifest used when an adapter carries none:
// no auth, no reachable domains.
func NoneFor(platform string) *Manifest {
	return &Manifest{
		Platform: platform,
		Auth:     Auth{Type: "none", Strategy: StrategyNone},
	}
}

// IsOAuth reports whether the manifest describes an OAuth adapter: oauth2
// auth type with endpoint configuration present.
func (m *Manifest) IsOAuth() bool {
	return m.Auth.Type == "oauth2" && m.OAuth != nil
}

// Domain classification results.
type DomainClass int

const (
	DomainDenied DomainClass = iota
	DomainAuthenticated
	DomainAllowedUnauthenticated
)

// ClassifyHost matches a hostname against the manifest's domain lists. A host
// matches a domain exactly or as a subdomain.
func (m *Manifest) ClassifyHost(host string) DomainClass {
	h := NormalizeDomain(host)
	if matchAny(h, m.AuthenticatedDomains) {
		return DomainAuthenticated
	}
	if matchAny(h, m.AllowedDomains) {
		return DomainAllowedUnauthenticated
	}
	return DomainDenied
}

// NormalizeDomain lowercases and strips the trailing dot.
func NormalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

func matchAny(host string, domains []string) bool {
	for _, d := range domains {
		nd := NormalizeDomain(d)
		if host == nd || strings.HasSuffix(host, "."+nd) {
			return true
		}
	}
	return false
}

func cleanDomains(in []string) ([]string, error) {
	var out []string
	for _, d := range in {
		t := strings.TrimSpace(d)
		if t == "" {
			continue
		}
		if strings.ContainsAny(t, "/: ") {
			return nil, fmt.Errorf("entry %q is not a hostname", d)
		}
		out = append(out, t)
	}
	return out, nil
}

func requireHTTPS(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must be https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
