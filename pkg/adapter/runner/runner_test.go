package runner

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenr-ai/agenr/pkg/adapter"
)

func testAdapter(t *testing.T, descriptor string) adapter.Adapter {
	t.Helper()

	d, err := Parse([]byte(descriptor))
	require.NoError(t, err)

	factory := NewFactory(d)
	biz := &adapter.Business{ID: "acme", Name: "Acme", Platform: d.Platform}
	actx := adapter.NewContext(d.Platform, "alice", "ex1", &d.Manifest, nil, nil, nil)

	a, err := factory(biz, actx)
	require.NoError(t, err)
	return a
}

func TestStaticOperation(t *testing.T) {
	a := testAdapter(t, `
platform: acme
operations:
  discover:
    static:
      capabilities: [one, two]
`)

	out, err := a.Discover(t.Context(), nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, []any{"one", "two"}, m["capabilities"])
}

func TestUnsupportedVerb(t *testing.T) {
	a := testAdapter(t, `
platform: acme
operations:
  discover: {static: {a: 1}}
`)

	_, err := a.Execute(t.Context(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support")
}

func TestRequestTemplatingExtractionAndTransform(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/widgets", r.URL.Path)
		assert.Equal(t, "acme", r.Header.Get("X-Business"))
		fmt.Fprint(w, `{"data": [{"n": 1}, {"n": 2}], "ignored": true}`)
	}))
	defer ts.Close()
	host := mustHost(t, ts.URL)

	a := testAdapter(t, fmt.Sprintf(`
platform: acme
manifest:
  allowedDomains: [%s]
operations:
  query:
    request:
      method: GET
      url: "%s/v1/{{.input.resource}}"
      headers:
        X-Business: "{{.business.ID}}"
    extract: "$.data"
    transform: "result.map(function(x) { return x.n * 10 })"
`, host, ts.URL))

	out, err := a.Query(t.Context(), map[string]any{"resource": "widgets"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(10), int64(20)}, out)
}

func TestRequestBodyTemplatingWithJSONHelper(t *testing.T) {
	var gotBody string
	var gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer ts.Close()

	a := testAdapter(t, fmt.Sprintf(`
platform: acme
manifest:
  allowedDomains: [%s]
operations:
  execute:
    request:
      method: POST
      url: "%s/v1/items"
      body: '{"title": {{.input.title | json}}}'
`, mustHost(t, ts.URL), ts.URL))

	out, err := a.Execute(t.Context(), map[string]any{"title": `say "hi"`})
	require.NoError(t, err)
	assert.Equal(t, `{"title": "say \"hi\""}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestUpstreamErrorSurfacesTruncated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer ts.Close()

	a := testAdapter(t, fmt.Sprintf(`
platform: acme
manifest:
  allowedDomains: [%s]
operations:
  query:
    request: {method: GET, url: "%s/x"}
`, mustHost(t, ts.URL), ts.URL))

	_, err := a.Query(t.Context(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNonJSONResponsePassedThrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain text")
	}))
	defer ts.Close()

	a := testAdapter(t, fmt.Sprintf(`
platform: acme
manifest:
  allowedDomains: [%s]
operations:
  query:
    request: {method: GET, url: "%s/x"}
`, mustHost(t, ts.URL), ts.URL))

	out, err := a.Query(t.Context(), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}
