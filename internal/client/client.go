// Package client implements the Client component (spec §4.4): it issues
// the upstream request a pipeline ultimately resolves to, applying
// connect/read/per-attempt/per-operation timeouts, retry with exponential
// backoff and jitter, optional HTTP/2, and path-style or virtual-hosted-style
// upstream addressing.
//
// Its upstream-addressing and request-forwarding shape follows
// revproxy.go's httputil.ReverseProxy + Rewrite hook; its retry/backoff
// shape follows the Config/DoWithContext idiom in
// scttfrdmn-objectfs/pkg/retry/retry.go (consulted as a reference, not
// imported — see DESIGN.md).
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/scttfrdmn/s3cacheproxy/internal/classify"
	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/logging"
	"github.com/scttfrdmn/s3cacheproxy/internal/proxyerr"
)

// AddressStyle selects how the client maps a bucket onto the upstream host.
type AddressStyle int

const (
	PathStyle AddressStyle = iota
	VirtualHostedStyle
)

// RetryConfig controls the client's retry/backoff behavior, mirroring the
// shape of a Config{MaxAttempts, InitialDelay, MaxDelay, Multiplier,
// Jitter} retry policy.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fractional +/- randomization applied to each delay,
	// e.g. 0.2 for +/-20%.
	Jitter float64
}

// DefaultRetryConfig is a conservative default: 3 attempts, 100ms initial
// delay doubling up to 2s, +/-20% jitter.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= c.Multiplier
	}
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	if c.Jitter > 0 {
		delta := d * c.Jitter
		d += (rand.Float64()*2 - 1) * delta
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Config configures a Client.
type Config struct {
	Upstream      string // scheme://host[:port]
	AddressStyle  AddressStyle
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// PerAttemptTimeout bounds a single HTTP round trip; PerOperationTimeout
	// bounds the whole retried sequence.
	PerAttemptTimeout   time.Duration
	PerOperationTimeout time.Duration
	EnableHTTP2         bool
	InsecureSkipVerify  bool
	Retry               RetryConfig
	Logf                logging.Logf
}

// Client issues upstream requests on behalf of the pipeline.
type Client struct {
	cfg        Config
	upstream   *url.URL
	httpClient *http.Client
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig
	}
	if cfg.Logf == nil {
		cfg.Logf = logging.Discard
	}

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		upstream = &url.URL{Scheme: "https", Host: cfg.Upstream}
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: nonZero(cfg.ConnectTimeout, 10*time.Second),
		}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ResponseHeaderTimeout: nonZero(cfg.ReadTimeout, 30*time.Second),
		MaxIdleConnsPerHost: 64,
	}
	if cfg.EnableHTTP2 {
		_ = http2.ConfigureTransport(transport)
	}

	return &Client{
		cfg:      cfg,
		upstream: upstream,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   nonZero(cfg.PerAttemptTimeout, 30*time.Second),
		},
	}
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// idempotentMethods are the S3 REST methods this client will ever retry.
// A non-idempotent mutating operation (POST, e.g. multipart-upload
// completion) is never retried: a transient failure after the upstream
// already applied the mutation must not be silently repeated.
var idempotentMethods = map[string]bool{"GET": true, "HEAD": true, "PUT": true, "DELETE": true}

// retryableStatus reports whether status is a transient upstream condition
// worth retrying (429 rate limiting, 5xx server errors).
func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}

// Do issues req against the configured upstream, retrying transient
// failures with exponential backoff. It never mutates req. Per spec §4.4,
// an upstream error status that survives every retry attempt is surfaced
// to the caller as an ordinary response envelope, not a Go error — only a
// connect/read/protocol failure that never produced a response is reported
// as an error.
func (c *Client) Do(req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.PerOperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PerOperationTimeout)
		defer cancel()
	}

	var lastResp *envelope.ResponseEnvelope
	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, proxyerr.Wrap(proxyerr.KindUpstreamTimeout, "operation deadline exceeded", ctx.Err())
			case <-time.After(c.cfg.Retry.delay(attempt - 1)):
			}
		}

		resp, err := c.doOnce(ctx, req)
		if err != nil {
			lastErr = err
			if !retryableErr(err) || !idempotentMethods[req.Method] {
				return nil, err
			}
			c.cfg.Logf("client: attempt %d failed: %v", attempt+1, err)
			continue
		}
		lastErr = nil
		lastResp = resp
		if !retryableStatus(resp.StatusCode) || !idempotentMethods[req.Method] {
			return resp, nil
		}
		if attempt < c.cfg.Retry.MaxAttempts-1 {
			c.cfg.Logf("client: attempt %d got retryable status %d", attempt+1, resp.StatusCode)
		}
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func retryableErr(err error) bool {
	pe, ok := proxyerr.As(err)
	if !ok {
		return false
	}
	switch pe.Kind {
	case proxyerr.KindUpstreamTimeout, proxyerr.KindUpstreamUnreachable:
		return true
	default:
		return false
	}
}

func (c *Client) doOnce(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
	httpReq, err := c.buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInternal, "build upstream request", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, proxyerr.Wrap(proxyerr.KindUpstreamTimeout, "upstream request timed out", err)
		}
		return nil, proxyerr.Wrap(proxyerr.KindUpstreamUnreachable, "upstream unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindUpstreamUnreachable, "read upstream body", err)
	}

	hdr := envelope.NewHeader()
	for k, vs := range resp.Header {
		hdr[strings.ToLower(k)] = vs
	}

	return &envelope.ResponseEnvelope{
		StatusCode: resp.StatusCode,
		Header:     hdr,
		Body:       envelope.Body{Finite: body},
	}, nil
}

// ResolveAddress rewrites req's Host and Path in place to the configured
// upstream endpoint, per spec §4.4's "rewrite host and scheme to the
// configured upstream endpoint." This must run as its own pipeline stage
// ordered *before* any outbound signing middleware: SigV4 signs whatever
// Host is on the envelope at signing time, and that signature is only
// valid if it matches the Host actually written to the wire. Running the
// address rewrite after signing (or relying on buildHTTPRequest to do it
// at send time, after signMW has already run) produces a signature over a
// Host that is never the one sent, which is rejected by any real upstream.
func (c *Client) ResolveAddress(req *envelope.RequestEnvelope) error {
	view, ok := envelope.Ext[classify.View](req, classify.ExtKey)
	if !ok {
		view = classify.Classify(req)
	}

	switch c.cfg.AddressStyle {
	case VirtualHostedStyle:
		if view.Bucket != "" {
			req.Host = view.Bucket + "." + c.upstream.Host
		} else {
			req.Host = c.upstream.Host
		}
		req.Path = "/" + view.Key
	default: // PathStyle
		req.Host = c.upstream.Host
		switch {
		case view.Bucket == "":
			req.Path = "/"
		case view.Key == "":
			req.Path = "/" + view.Bucket
		default:
			req.Path = "/" + view.Bucket + "/" + view.Key
		}
	}
	return nil
}

// buildHTTPRequest constructs a *http.Request from the envelope, dialing
// the configured upstream and carrying req.Host (already rewritten by
// ResolveAddress) as the Host header sent on the wire.
func (c *Client) buildHTTPRequest(ctx context.Context, req *envelope.RequestEnvelope) (*http.Request, error) {
	target := fmt.Sprintf("%s://%s%s", c.upstream.Scheme, c.upstream.Host, req.Path)
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	var body io.Reader
	if req.Body.IsFinite() {
		body = strings.NewReader(string(req.Body.Finite))
	} else if req.Body.Stream != nil {
		body = req.Body.Stream
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}
	return httpReq, nil
}
