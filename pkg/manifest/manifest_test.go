package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresAuthenticatedDomainsForAuthStrategies(t *testing.T) {
	_, err := New(Manifest{
		Platform: "stripe",
		Auth:     Auth{Type: "oauth2", Strategy: StrategyBearer},
	})
	require.ErrorIs(t, err, ErrInvalid)

	m, err := New(Manifest{
		Platform:             "stripe",
		Auth:                 Auth{Type: "oauth2", Strategy: StrategyBearer},
		AuthenticatedDomains: []string{"api.stripe.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"api.stripe.com"}, m.AuthenticatedDomains)
}

func TestNewAllowsNoneStrategyWithoutDomains(t *testing.T) {
	m, err := New(Manifest{Platform: "docs"})
	require.NoError(t, err)
	assert.Equal(t, StrategyNone, m.Auth.Strategy)
}

func TestNewRejectsOverlappingDomains(t *testing.T) {
	t.Run("exact overlap", func(t *testing.T) {
		_, err := New(Manifest{
			Platform:             "x",
			Auth:                 Auth{Strategy: StrategyBearer},
			AuthenticatedDomains: []string{"api.example.com"},
			AllowedDomains:       []string{"api.example.com"},
		})
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("case and trailing dot normalized", func(t *testing.T) {
		_, err := New(Manifest{
			Platform:             "x",
			Auth:                 Auth{Strategy: StrategyBearer},
			AuthenticatedDomains: []string{"API.Example.com."},
			AllowedDomains:       []string{"api.example.com"},
		})
		require.ErrorIs(t, err, ErrInvalid)
	})
}

func TestNewDropsEmptyDomainEntries(t *testing.T) {
	m, err := New(Manifest{
		Platform:             "x",
		Auth:                 Auth{Strategy: StrategyBearer},
		AuthenticatedDomains: []string{" api.example.com ", "", "  "},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com"}, m.AuthenticatedDomains)
}

func TestNewRejectsNonHostnameEntries(t *testing.T) {
	_, err := New(Manifest{
		Platform:             "x",
		Auth:                 Auth{Strategy: StrategyBearer},
		AuthenticatedDomains: []string{"https://api.example.com"},
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNewRequiresHTTPSOAuthURLs(t *testing.T) {
	base := Manifest{
		Platform:             "x",
		Auth:                 Auth{Type: "oauth2", Strategy: StrategyBearer},
		AuthenticatedDomains: []string{"api.example.com"},
	}

	bad := base
	bad.OAuth = &OAuth{
		AuthorizationURL: "http://example.com/auth",
		TokenURL:         "https://example.com/token",
	}
	_, err := New(bad)
	require.ErrorIs(t, err, ErrInvalid)

	good := base
	good.OAuth = &OAuth{
		AuthorizationURL: "https://example.com/auth",
		TokenURL:         "https://example.com/token",
	}
	m, err := New(good)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeForm, m.OAuth.TokenContentType)
}

func TestNewRejectsUnknownStrategyAndContentType(t *testing.T) {
	_, err := New(Manifest{Platform: "x", Auth: Auth{Strategy: "mystery"}})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = New(Manifest{
		Platform:             "x",
		Auth:                 Auth{Type: "oauth2", Strategy: StrategyBearer},
		AuthenticatedDomains: []string{"api.example.com"},
		OAuth: &OAuth{
			AuthorizationURL: "https://example.com/auth",
			TokenURL:         "https://example.com/token",
			TokenContentType: "xml",
		},
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestClassifyHost(t *testing.T) {
	m, err := New(Manifest{
		Platform:             "stripe",
		Auth:                 Auth{Strategy: StrategyBearer},
		AuthenticatedDomains: []string{"api.stripe.com"},
		AllowedDomains:       []string{"files.stripe.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, DomainAuthenticated, m.ClassifyHost("api.stripe.com"))
	assert.Equal(t, DomainAuthenticated, m.ClassifyHost("API.STRIPE.COM."))
	assert.Equal(t, DomainAuthenticated, m.ClassifyHost("v2.api.stripe.com"))
	assert.Equal(t, DomainAllowedUnauthenticated, m.ClassifyHost("files.stripe.com"))
	assert.Equal(t, DomainDenied, m.ClassifyHost("evil.example.com"))
	assert.Equal(t, DomainDenied, m.ClassifyHost("notapi.stripe.com.evil.com"))
}

func TestIsOAuth(t *testing.T) {
	m := &Manifest{Auth: Auth{Type: "oauth2"}}
	assert.False(t, m.IsOAuth())

	m.OAuth = &OAuth{TokenURL: "https://x/token"}
	assert.True(t, m.IsOAuth())
}
