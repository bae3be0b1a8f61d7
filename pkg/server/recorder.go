package server

import (
	"bytes"
	"net/http"

	"github.com/agenr-ai/agenr/pkg/gateway"
)

// recorder captures a handler's response so the idempotency cache can store
// and replay it byte-identically.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: http.Header{}}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
}

func (r *recorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *recorder) snapshot() gateway.CachedResponse {
	return gateway.CachedResponse{
		Status:  r.status,
		Headers: r.header.Clone(),
		Body:    bytes.Clone(r.body.Bytes()),
	}
}

func replay(w http.ResponseWriter, resp *gateway.CachedResponse, replayed bool) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
