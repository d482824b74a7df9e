// Package pipeline implements the Pipeline Builder (spec §4.7): it folds a
// configured, ordered list of middlewares around a terminal Client and
// produces a single Handler, generalizing revproxy.go's own inlined
// "pipeline" (ServeHTTP doing classify -> maybe-cache -> reverse-proxy in
// one function body) into a composable chain.
package pipeline

import (
	"context"
	"expvar"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/middleware"
)

// Terminal issues the request to the upstream once every middleware has
// run; internal/client.Client satisfies this signature via its Do method.
type Terminal func(req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error)

// MetricsSource is implemented by anything the pipeline wants folded into
// its aggregate Metrics() map (e.g. internal/cache.Middleware).
type MetricsSource interface {
	Metrics() map[string]int64
}

// Drainer is implemented by components that hold background work the
// pipeline must wait on during Shutdown (e.g. internal/cache.Middleware's
// sweeper).
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// Handler is the built pipeline: a single entry point plus aggregate
// metrics and graceful shutdown.
type Handler struct {
	chain    middleware.Next
	sources  []MetricsSource
	drainers []Drainer
}

// Build folds mws right-to-left around terminal: the first middleware in
// mws is the outermost (sees the request first, the response last).
func Build(terminal Terminal, mws ...middleware.Middleware) *Handler {
	var chain middleware.Next = func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		req.Context = ctx
		return terminal(req)
	}
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := chain
		chain = func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
			return mw.Call(ctx, req, next)
		}
	}

	h := &Handler{chain: chain}
	for _, mw := range mws {
		if src, ok := mw.(MetricsSource); ok {
			h.sources = append(h.sources, src)
		}
		if d, ok := mw.(Drainer); ok {
			h.drainers = append(h.drainers, d)
		}
	}
	return h
}

// Handle runs req through the built chain.
func (h *Handler) Handle(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
	return h.chain(ctx, req)
}

// Metrics aggregates every middleware's MetricsSource into a single
// expvar.Map, mirroring revproxy.Server.Metrics().
func (h *Handler) Metrics() *expvar.Map {
	m := new(expvar.Map).Init()
	for _, src := range h.sources {
		for k, v := range src.Metrics() {
			iv := new(expvar.Int)
			iv.Set(v)
			m.Set(k, iv)
		}
	}
	return m
}

// Shutdown drains every Drainer middleware concurrently, bounded by
// deadline.
func (h *Handler) Shutdown(deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range h.drainers {
		d := d
		g.Go(func() error { return d.Shutdown(gctx) })
	}
	return g.Wait()
}
