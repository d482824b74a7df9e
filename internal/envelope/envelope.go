package envelope

import (
	"context"
	"io"
)

// Body is the payload of a request or response. Exactly one of the two
// forms is populated: Finite for a fully-buffered payload whose Bytes are
// safe to read repeatedly (what the cache middleware requires in order to
// store and replay a response), or Stream for a payload that can be read
// exactly once and must not be cached (spec.md's streaming-body caching
// Non-goal).
type Body struct {
	Finite []byte
	Stream io.ReadCloser
}

// IsFinite reports whether the body is a buffered, replayable payload.
func (b Body) IsFinite() bool {
	return b.Stream == nil
}

// Len returns the length of a finite body, or -1 for a stream of unknown
// size.
func (b Body) Len() int64 {
	if b.IsFinite() {
		return int64(len(b.Finite))
	}
	return -1
}

// RequestEnvelope is the transport-independent representation of an inbound
// or outbound S3 REST request as it travels through the middleware chain.
type RequestEnvelope struct {
	Context context.Context

	Method string
	// Path is the raw, unescaped request path, e.g. "/bucket/key" for
	// path-style addressing or "/key" once Host has been resolved to a
	// bucket for virtual-hosted-style addressing.
	Path string
	// RawQuery is the undecoded query string, preserved verbatim since
	// SigV4 canonicalization is sensitive to query encoding.
	RawQuery string
	Host     string

	Header Header
	Body   Body

	// Extensions carries cross-cutting, per-request metadata attached by
	// earlier middlewares (operation classification, correlation ID,
	// fingerprint) for later ones to consume, without forcing every
	// middleware to depend on every other middleware's result type.
	Extensions map[string]any
}

// Ext fetches a typed extension value by key, returning the zero value and
// false if absent or of the wrong type.
func Ext[T any](r *RequestEnvelope, key string) (T, bool) {
	var zero T
	if r.Extensions == nil {
		return zero, false
	}
	v, ok := r.Extensions[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// SetExt attaches an extension value.
func (r *RequestEnvelope) SetExt(key string, value any) {
	if r.Extensions == nil {
		r.Extensions = make(map[string]any)
	}
	r.Extensions[key] = value
}

// Clone returns a shallow copy of the envelope with its own Header map and
// Extensions map, suitable for middlewares that need to mutate a request
// (e.g. re-signing) without affecting the caller's copy. The Body is shared
// by reference; callers that need an independent body must rebuffer it.
func (r *RequestEnvelope) Clone() *RequestEnvelope {
	cp := *r
	cp.Header = r.Header.Clone()
	if r.Extensions != nil {
		cp.Extensions = make(map[string]any, len(r.Extensions))
		for k, v := range r.Extensions {
			cp.Extensions[k] = v
		}
	}
	return &cp
}

// ResponseEnvelope is the transport-independent representation of a
// response flowing back up through the middleware chain.
type ResponseEnvelope struct {
	StatusCode int
	Header     Header
	Body       Body

	// Extensions mirrors RequestEnvelope.Extensions for response-side
	// metadata (cache state, fingerprint, timing).
	Extensions map[string]any
}

// SetExt attaches an extension value.
func (r *ResponseEnvelope) SetExt(key string, value any) {
	if r.Extensions == nil {
		r.Extensions = make(map[string]any)
	}
	r.Extensions[key] = value
}

// RespExt fetches a typed response extension value by key.
func RespExt[T any](r *ResponseEnvelope, key string) (T, bool) {
	var zero T
	if r.Extensions == nil {
		return zero, false
	}
	v, ok := r.Extensions[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Clone returns a shallow copy, deep-copying Header and Extensions. The
// Finite body bytes are shared by reference since they are treated as
// immutable once populated.
func (r *ResponseEnvelope) Clone() *ResponseEnvelope {
	cp := *r
	cp.Header = r.Header.Clone()
	if r.Extensions != nil {
		cp.Extensions = make(map[string]any, len(r.Extensions))
		for k, v := range r.Extensions {
			cp.Extensions[k] = v
		}
	}
	return &cp
}
