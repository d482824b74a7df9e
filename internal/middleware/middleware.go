// Package middleware defines the pipeline's composable unit of request
// handling (spec §4.5), generalized from the two ad hoc
// httputil.ReverseProxy hooks (Rewrite/ModifyResponse) revproxy.go wires
// directly into a single struct.
package middleware

import (
	"context"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
)

// Next is the continuation a Middleware invokes to pass control to the rest
// of the chain (ultimately the Client).
type Next func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error)

// Middleware is the pipeline's unit of composition: it may inspect or
// rewrite the request, short-circuit with its own response, or delegate to
// next and inspect/rewrite the response on the way back.
type Middleware interface {
	Call(ctx context.Context, req *envelope.RequestEnvelope, next Next) (*envelope.ResponseEnvelope, error)
}

// Func adapts a plain function to the Middleware interface.
type Func func(ctx context.Context, req *envelope.RequestEnvelope, next Next) (*envelope.ResponseEnvelope, error)

// Call implements Middleware.
func (f Func) Call(ctx context.Context, req *envelope.RequestEnvelope, next Next) (*envelope.ResponseEnvelope, error) {
	return f(ctx, req, next)
}

// Identity passes the request straight through; it is a no-op middleware
// available to callers and is not inserted into a pipeline automatically.
var Identity Middleware = Func(func(ctx context.Context, req *envelope.RequestEnvelope, next Next) (*envelope.ResponseEnvelope, error) {
	return next(ctx, req)
})
