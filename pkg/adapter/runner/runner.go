package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"

	"github.com/agenr-ai/agenr/pkg/adapter"
)

// NewFactory wraps a descriptor in an adapter.Factory for registry storage.
func NewFactory(d *Descriptor) adapter.Factory {
	return func(business *adapter.Business, actx *adapter.Context) (adapter.Adapter, error) {
		return &descriptorAdapter{desc: d, business: business, actx: actx}, nil
	}
}

type descriptorAdapter struct {
	desc     *Descriptor
	business *adapter.Business
	actx     *adapter.Context
}

func (a *descriptorAdapter) Discover(ctx context.Context, input map[string]any) (any, error) {
	return a.run(ctx, adapter.VerbDiscover, input)
}

func (a *descriptorAdapter) Query(ctx context.Context, input map[string]any) (any, error) {
	return a.run(ctx, adapter.VerbQuery, input)
}

func (a *descriptorAdapter) Execute(ctx context.Context, input map[string]any) (any, error) {
	return a.run(ctx, adapter.VerbExecute, input)
}

func (a *descriptorAdapter) run(ctx context.Context, verb string, input map[string]any) (any, error) {
	op, ok := a.desc.Operations[verb]
	if !ok {
		return nil, fmt.Errorf("platform %s does not support %s", a.desc.Platform, verb)
	}

	if op.Static != nil {
		return op.Static, nil
	}

	result, err := a.call(ctx, op.Request, input)
	if err != nil {
		return nil, err
	}

	if op.Extract != "" {
		result, err = jsonpath.Get(op.Extract, result)
		if err != nil {
			return nil, fmt.Errorf("extracting %q: %w", op.Extract, err)
		}
	}

	if op.Transform != "" {
		result, err = a.transform(ctx, op.Transform, result, input)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (a *descriptorAdapter) call(ctx context.Context, rt *RequestTemplate, input map[string]any) (any, error) {
	data := map[string]any{
		"input":    input,
		"business": a.business,
	}

	urlStr, err := render("url", rt.URL, data)
	if err != nil {
		return nil, err
	}

	req := adapter.Request{
		Method: strings.ToUpper(rt.Method),
		URL:    urlStr,
		Header: http.Header{},
	}
	for k, v := range rt.Headers {
		rendered, err := render("header", v, data)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, rendered)
	}

	if rt.Body != "" {
		body, err := render("body", rt.Body, data)
		if err != nil {
			return nil, err
		}
		req.Body = []byte(body)
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	resp, err := a.actx.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		snippet := string(raw)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("%s %s returned %d: %s", req.Method, urlStr, resp.StatusCode, snippet)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{"status": resp.StatusCode}, nil
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		// Non-JSON upstreams are passed through as text.
		return string(raw), nil
	}
	return result, nil
}

// transform evaluates a goja expression with the extracted value bound as
// `result` and the verb input as `input`. The VM is interrupted when the
// request context ends.
func (a *descriptorAdapter) transform(ctx context.Context, expr string, result any, input map[string]any) (any, error) {
	vm := goja.New()
	if err := vm.Set("result", result); err != nil {
		return nil, err
	}
	if err := vm.Set("input", input); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("request canceled")
	})
	defer stop()

	value, err := vm.RunString(expr)
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	return value.Export(), nil
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

func render(name, tmpl string, data map[string]any) (string, error) {
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", name, err)
	}
	return buf.String(), nil
}
