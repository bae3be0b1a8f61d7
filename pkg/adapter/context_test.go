package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenr-ai/agenr/pkg/manifest"
	"github.com/agenr-ai/agenr/pkg/vault"
)

func bearerManifest(t *testing.T, host string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(manifest.Manifest{
		Platform:             "stripe",
		Auth:                 manifest.Auth{Type: "oauth2", Strategy: manifest.StrategyBearer},
		AuthenticatedDomains: []string{host},
	})
	require.NoError(t, err)
	return m
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestFetchRejectsUnlistedDomainBeforeResolving(t *testing.T) {
	resolved := false
	resolve := func(context.Context, bool) (*vault.Payload, error) {
		resolved = true
		return &vault.Payload{AccessToken: "tok"}, nil
	}

	m := bearerManifest(t, "api.stripe.com")
	ctx := NewContext("stripe", "alice", "ex1", m, resolve, nil, nil)

	_, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: "https://evil.example.com/x"})
	require.ErrorIs(t, err, ErrDomainNotAllowed)
	assert.False(t, resolved, "credential resolver must not run for denied hosts")
}

func TestFetchRejectsUnparseableURL(t *testing.T) {
	ctx := NewContext("stripe", "alice", "ex1", bearerManifest(t, "api.stripe.com"), nil, nil, nil)

	_, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: "://nope"})
	require.Error(t, err)
}

func TestFetchInjectsBearer(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer ts.Close()

	resolve := func(context.Context, bool) (*vault.Payload, error) {
		return &vault.Payload{AccessToken: "tok1"}, nil
	}
	ctx := NewContext("stripe", "alice", "ex1", bearerManifest(t, hostOf(t, ts.URL)), resolve, nil, nil)

	resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL + "/v1/charges"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "Bearer tok1", gotAuth)
}

func TestFetchAllowedUnauthenticatedSkipsInjection(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer ts.Close()

	m, err := manifest.New(manifest.Manifest{
		Platform:             "stripe",
		Auth:                 manifest.Auth{Strategy: manifest.StrategyBearer},
		AuthenticatedDomains: []string{"api.stripe.com"},
		AllowedDomains:       []string{hostOf(t, ts.URL)},
	})
	require.NoError(t, err)

	resolved := false
	resolve := func(context.Context, bool) (*vault.Payload, error) {
		resolved = true
		return &vault.Payload{AccessToken: "tok"}, nil
	}
	ctx := NewContext("stripe", "alice", "ex1", m, resolve, nil, nil)

	resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, gotAuth)
	assert.False(t, resolved)
}

func TestHeaderStrategies(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer ts.Close()
	host := hostOf(t, ts.URL)

	fetch := func(t *testing.T, auth manifest.Auth, payload vault.Payload, header http.Header) {
		t.Helper()
		m, err := manifest.New(manifest.Manifest{
			Platform:             "p",
			Auth:                 auth,
			AuthenticatedDomains: []string{host},
		})
		require.NoError(t, err)
		ctx := NewContext("p", "alice", "ex", m,
			func(context.Context, bool) (*vault.Payload, error) { return &payload, nil }, nil, nil)
		resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL, Header: header})
		require.NoError(t, err)
		resp.Body.Close()
	}

	t.Run("api key default header", func(t *testing.T) {
		fetch(t, manifest.Auth{Strategy: manifest.StrategyAPIKeyHeader}, vault.Payload{APIKey: "k1"}, nil)
		assert.Equal(t, "k1", got.Get("X-Api-Key"))
	})

	t.Run("api key custom header", func(t *testing.T) {
		fetch(t, manifest.Auth{Strategy: manifest.StrategyAPIKeyHeader, HeaderName: "X-Toast-Key"}, vault.Payload{APIKey: "k2"}, nil)
		assert.Equal(t, "k2", got.Get("X-Toast-Key"))
	})

	t.Run("basic", func(t *testing.T) {
		fetch(t, manifest.Auth{Strategy: manifest.StrategyBasic}, vault.Payload{Username: "u", Password: "p"}, nil)
		assert.Equal(t, "Basic dTpw", got.Get("Authorization"))
	})

	t.Run("cookie preserves existing", func(t *testing.T) {
		header := http.Header{}
		header.Set("Cookie", "existing=1")
		fetch(t, manifest.Auth{Strategy: manifest.StrategyCookie}, vault.Payload{CookieName: "sid", CookieValue: "abc"}, header)
		assert.Equal(t, "existing=1; sid=abc", got.Get("Cookie"))
	})

	t.Run("custom header", func(t *testing.T) {
		fetch(t, manifest.Auth{Strategy: manifest.StrategyCustom, HeaderName: "X-Custom"}, vault.Payload{APIKey: "v"}, nil)
		assert.Equal(t, "v", got.Get("X-Custom"))
	})
}

func TestMissingCredentialFieldFailsRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer ts.Close()

	ctx := NewContext("stripe", "alice", "ex", bearerManifest(t, hostOf(t, ts.URL)),
		func(context.Context, bool) (*vault.Payload, error) { return &vault.Payload{}, nil }, nil, nil)

	_, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
	require.ErrorIs(t, err, ErrCredentialMissingField)
}

func TestCredentialSingleFlight(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer ts.Close()

	var resolves atomic.Int32
	resolve := func(context.Context, bool) (*vault.Payload, error) {
		resolves.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &vault.Payload{AccessToken: "tok"}, nil
	}
	ctx := NewContext("stripe", "alice", "ex", bearerManifest(t, hostOf(t, ts.URL)), resolve, nil, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, resolves.Load(), "N concurrent fetches share one resolve")
}

func TestRetryOn401WithForcedRefresh(t *testing.T) {
	var calls atomic.Int32
	var auths []string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	resolve := func(_ context.Context, force bool) (*vault.Payload, error) {
		if force {
			return &vault.Payload{AccessToken: "fresh"}, nil
		}
		return &vault.Payload{AccessToken: "stale"}, nil
	}
	ctx := NewContext("stripe", "alice", "ex", bearerManifest(t, hostOf(t, ts.URL)), resolve, nil, nil)

	resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, auths)
}

func TestNoRetryForNoRetryStrategies(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	m, err := manifest.New(manifest.Manifest{
		Platform:             "p",
		Auth:                 manifest.Auth{Strategy: manifest.StrategyClientCredentials},
		AuthenticatedDomains: []string{hostOf(t, ts.URL)},
	})
	require.NoError(t, err)

	ctx := NewContext("p", "alice", "ex", m,
		func(context.Context, bool) (*vault.Payload, error) {
			return &vault.Payload{ClientID: "c", ClientSecret: "s"}, nil
		}, nil, nil)

	resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryReturnsRetryResponseWhateverItsStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	ctx := NewContext("stripe", "alice", "ex", bearerManifest(t, hostOf(t, ts.URL)),
		func(context.Context, bool) (*vault.Payload, error) {
			return &vault.Payload{AccessToken: "tok"}, nil
		}, nil, nil)

	resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRetryErrorReturnsOriginal401(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	var calls atomic.Int32
	resolve := func(_ context.Context, force bool) (*vault.Payload, error) {
		if calls.Add(1) > 1 {
			return nil, assert.AnError
		}
		return &vault.Payload{AccessToken: "tok"}, nil
	}
	ctx := NewContext("stripe", "alice", "ex", bearerManifest(t, hostOf(t, ts.URL)), resolve, nil, nil)

	resp, err := ctx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMergedCancellation(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	t.Run("caller context aborts", func(t *testing.T) {
		actx := NewContext("p", "a", "e", manifest.NoneFor("p"), nil, nil, nil)
		m, err := manifest.New(manifest.Manifest{Platform: "p", AllowedDomains: []string{hostOf(t, ts.URL)}})
		require.NoError(t, err)
		actx.Manifest = m

		callerCtx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
		defer cancel()
		_, err = actx.Fetch(callerCtx, Request{Method: http.MethodGet, URL: ts.URL})
		require.Error(t, err)
	})

	t.Run("context-level signal aborts", func(t *testing.T) {
		signalCtx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
		defer cancel()

		m, err := manifest.New(manifest.Manifest{Platform: "p", AllowedDomains: []string{hostOf(t, ts.URL)}})
		require.NoError(t, err)
		actx := NewContext("p", "a", "e", m, nil, nil, signalCtx)

		_, err = actx.Fetch(t.Context(), Request{Method: http.MethodGet, URL: ts.URL})
		require.Error(t, err)
	})
}

func TestCredentialForceEvictsCache(t *testing.T) {
	var calls atomic.Int32
	resolve := func(_ context.Context, force bool) (*vault.Payload, error) {
		calls.Add(1)
		if force {
			return &vault.Payload{AccessToken: "fresh"}, nil
		}
		return &vault.Payload{AccessToken: "stale"}, nil
	}
	ctx := NewContext("p", "a", "e", manifest.NoneFor("p"), resolve, nil, nil)

	first, err := ctx.Credential(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, "stale", first.AccessToken)

	cached, err := ctx.Credential(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, "stale", cached.AccessToken)
	assert.EqualValues(t, 1, calls.Load())

	forced, err := ctx.Credential(t.Context(), true)
	require.NoError(t, err)
	assert.Equal(t, "fresh", forced.AccessToken)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCredentialNilResolverAndNilPayload(t *testing.T) {
	ctx := NewContext("p", "a", "e", manifest.NoneFor("p"), nil, nil, nil)
	got, err := ctx.Credential(t.Context(), false)
	require.NoError(t, err)
	assert.Nil(t, got)

	ctx2 := NewContext("p", "a", "e", manifest.NoneFor("p"),
		func(context.Context, bool) (*vault.Payload, error) { return nil, nil }, nil, nil)
	got, err = ctx2.Credential(t.Context(), false)
	require.NoError(t, err)
	assert.Nil(t, got)
}
