// Package server implements inbound HTTP(S) accept/decode/encode (spec
// §4.8 minus the webhook producer, which lives in internal/webhook),
// adapting net/http.Server to the pipeline's envelope-based Handler the way
// revproxy.Server's ServeHTTP adapts http.ResponseWriter/*http.Request to
// its own inlined logic.
package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/logging"
	"github.com/scttfrdmn/s3cacheproxy/internal/proxyerr"
)

// Pipeline is the minimal surface server needs from internal/pipeline.Handler.
type Pipeline interface {
	Handle(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error)
}

// Config configures a Server.
type Config struct {
	Addr         string
	EnableHTTP2  bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logf         logging.Logf
}

// Server accepts inbound S3 REST requests and drives them through a
// pipeline.Handler.
type Server struct {
	cfg      Config
	pipeline Pipeline
	http     *http.Server
}

// New constructs a Server bound to pipeline.
func New(cfg Config, p Pipeline) *Server {
	if cfg.Logf == nil {
		cfg.Logf = logging.Discard
	}
	s := &Server{cfg: cfg, pipeline: p}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHTTP)

	var handler http.Handler = mux
	if cfg.EnableHTTP2 {
		handler = h2c.NewHandler(mux, &http2.Server{})
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe starts accepting connections; it blocks until the server
// is shut down or fails.
func (s *Server) ListenAndServe() error {
	s.cfg.Logf("server: listening on %s", s.cfg.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully drains in-flight connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, proxyerr.New(proxyerr.KindBadRequest, "malformed request: "+err.Error()))
		return
	}

	resp, err := s.pipeline.Handle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	encodeResponse(w, resp)
}

func decodeRequest(r *http.Request) (*envelope.RequestEnvelope, error) {
	hdr := envelope.NewHeader()
	for k, vs := range r.Header {
		hdr[strings.ToLower(k)] = vs
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	return &envelope.RequestEnvelope{
		Context:  r.Context(),
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Host:     r.Host,
		Header:   hdr,
		Body:     envelope.Body{Finite: body},
	}, nil
}

func encodeResponse(w http.ResponseWriter, resp *envelope.ResponseEnvelope) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if status, ok := envelope.RespExt[string](resp, "cache.status"); ok {
		w.Header().Set("X-Cache", status)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body.IsFinite() {
		w.Write(resp.Body.Finite)
	} else if resp.Body.Stream != nil {
		defer resp.Body.Stream.Close()
		io.Copy(w, resp.Body.Stream)
	}
}

func writeError(w http.ResponseWriter, err error) {
	pe, ok := proxyerr.As(err)
	if !ok {
		pe = proxyerr.Wrap(proxyerr.KindInternal, "unhandled error", err)
	}
	body := pe.XMLBody("s3cacheproxy", "s3cacheproxy")
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(pe.HTTPStatus())
	io.WriteString(w, body)
}
