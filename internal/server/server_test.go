package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/proxyerr"
)

type stubPipeline struct {
	resp *envelope.ResponseEnvelope
	err  error
}

func (s stubPipeline) Handle(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
	return s.resp, s.err
}

func TestServeHTTPSuccess(t *testing.T) {
	h := envelope.NewHeader()
	h.Set("ETag", `"x"`)
	srv := New(Config{Addr: ":0"}, stubPipeline{resp: &envelope.ResponseEnvelope{StatusCode: 200, Header: h, Body: envelope.Body{Finite: []byte("hi")}}})

	req := httptest.NewRequest("GET", "/bucket/key", nil)
	rec := httptest.NewRecorder()
	srv.serveHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "hi" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("ETag") != `"x"` {
		t.Fatalf("etag missing")
	}
}

func TestServeHTTPErrorWritesS3XML(t *testing.T) {
	srv := New(Config{Addr: ":0"}, stubPipeline{err: proxyerr.New(proxyerr.KindSignatureMismatch, "nope")})

	req := httptest.NewRequest("GET", "/bucket/key", nil)
	rec := httptest.NewRecorder()
	srv.serveHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/xml" {
		t.Fatalf("content-type = %q", rec.Header().Get("Content-Type"))
	}
}
