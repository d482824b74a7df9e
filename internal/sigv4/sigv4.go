// Package sigv4 implements inbound SigV4 signature validation (credentials
// A, optional) and outbound SigV4 signature rewriting (credentials B,
// unconditional), both built directly on
// github.com/aws/aws-sdk-go-v2/aws/signer/v4 the same package
// lib/gcsutil/headers.go imports, though that file drives it through a
// smithy middleware finalize step for an SDK client pipeline; this proxy
// signs/verifies raw requests directly since there is no SDK operation
// pipeline here.
package sigv4

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/proxyerr"
)

// MaxClockSkew is the maximum allowed difference between the request's
// signing time and the validator's clock before the signature is rejected
// as expired, per spec.md §4.3.
const MaxClockSkew = 15 * time.Minute

const unsignedPayload = "UNSIGNED-PAYLOAD"

// Validator checks inbound requests against credentials A. A Validator with
// empty Credentials accepts every request (validation disabled), per
// DESIGN.md's Open Question (a) decision.
type Validator struct {
	Credentials Credentials
	Service     string
	Region      string
	Now         func() time.Time // overridable for tests; defaults to time.Now
	signer      *v4.Signer
}

// NewValidator constructs a Validator for the given service/region.
func NewValidator(creds Credentials, service, region string) *Validator {
	return &Validator{Credentials: creds, Service: service, Region: region, signer: v4.NewSigner()}
}

func (val *Validator) now() time.Time {
	if val.Now != nil {
		return val.Now()
	}
	return time.Now()
}

// Validate checks req's Authorization header (or presigned query
// parameters) against credentials A. It returns nil if validation is
// disabled (no credentials A configured).
func (val *Validator) Validate(req *envelope.RequestEnvelope) error {
	if val.Credentials.Empty() {
		return nil
	}

	if sig := queryValue(req.RawQuery, "X-Amz-Signature"); sig != "" {
		return val.validatePresigned(req, sig)
	}
	return val.validateHeader(req)
}

// queryValue returns the first value of key in a raw query string.
func queryValue(rawQuery, key string) string {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	return q.Get(key)
}

func (val *Validator) validateHeader(req *envelope.RequestEnvelope) error {
	authz := req.Header.Get("Authorization")
	if authz == "" {
		return proxyerr.New(proxyerr.KindBadRequest, "missing Authorization header")
	}
	dateHdr := req.Header.Get("X-Amz-Date")
	signingTime, err := parseAmzDate(dateHdr)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindBadRequest, "invalid X-Amz-Date", err)
	}
	if skew := val.now().Sub(signingTime); skew > MaxClockSkew || skew < -MaxClockSkew {
		return proxyerr.New(proxyerr.KindExpiredSignature, "request time too skewed")
	}

	gotSig, err := extractSignature(authz)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindBadRequest, "malformed Authorization header", err)
	}

	httpReq, payloadHash, err := toHTTPRequest(req)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "rebuild request for verification", err)
	}
	httpReq.Header.Del("Authorization")

	if err := val.signer.SignHTTP(req.Context, val.Credentials.toAWS(), httpReq, payloadHash, val.Service, val.Region, signingTime); err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "recompute signature", err)
	}
	wantSig, err := extractSignature(httpReq.Header.Get("Authorization"))
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "extract recomputed signature", err)
	}
	if !strings.EqualFold(gotSig, wantSig) {
		return proxyerr.New(proxyerr.KindSignatureMismatch, "signature mismatch")
	}
	return nil
}

func (val *Validator) validatePresigned(req *envelope.RequestEnvelope, gotSig string) error {
	dateParam := queryValue(req.RawQuery, "X-Amz-Date")
	signingTime, err := parseAmzDate(dateParam)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindBadRequest, "invalid X-Amz-Date query parameter", err)
	}
	expiresStr := queryValue(req.RawQuery, "X-Amz-Expires")
	if expiresStr != "" {
		var expires int64
		fmt.Sscanf(expiresStr, "%d", &expires)
		if val.now().After(signingTime.Add(time.Duration(expires) * time.Second)) {
			return proxyerr.New(proxyerr.KindExpiredSignature, "presigned URL expired")
		}
	}

	httpReq, payloadHash, err := toHTTPRequest(req)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "rebuild request for verification", err)
	}
	q := httpReq.URL.Query()
	q.Del("X-Amz-Signature")
	httpReq.URL.RawQuery = q.Encode()

	signedURI, _, err := val.signer.PresignHTTP(req.Context, val.Credentials.toAWS(), httpReq, payloadHash, val.Service, val.Region, signingTime)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "recompute presigned signature", err)
	}
	parsed, err := url.Parse(signedURI)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "parse recomputed presigned URL", err)
	}
	wantSig := parsed.Query().Get("X-Amz-Signature")
	if !strings.EqualFold(gotSig, wantSig) {
		return proxyerr.New(proxyerr.KindSignatureMismatch, "signature mismatch")
	}
	return nil
}

// Rewriter unconditionally re-signs outbound requests to the upstream with
// credentials B, per spec §4.3.
type Rewriter struct {
	Credentials Credentials
	Service     string
	Region      string
	Now         func() time.Time
	signer      *v4.Signer
}

// NewRewriter constructs a Rewriter for the given service/region.
func NewRewriter(creds Credentials, service, region string) *Rewriter {
	return &Rewriter{Credentials: creds, Service: service, Region: region, signer: v4.NewSigner()}
}

func (rw *Rewriter) now() time.Time {
	if rw.Now != nil {
		return rw.Now()
	}
	return time.Now()
}

// Rewrite signs req in place with credentials B, replacing any existing
// Authorization header.
func (rw *Rewriter) Rewrite(req *envelope.RequestEnvelope) error {
	req.Header.Del("Authorization")
	req.Header.Del("X-Amz-Date")
	signingTime := rw.now()
	req.Header.Set("X-Amz-Date", signingTime.UTC().Format("20060102T150405Z"))

	httpReq, payloadHash, err := toHTTPRequest(req)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "rebuild request for signing", err)
	}
	if err := rw.signer.SignHTTP(req.Context, rw.Credentials.toAWS(), httpReq, payloadHash, rw.Service, rw.Region, signingTime); err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "sign outbound request", err)
	}
	req.Header.Set("Authorization", httpReq.Header.Get("Authorization"))
	req.Header.Set("X-Amz-Content-Sha256", httpReq.Header.Get("X-Amz-Content-Sha256"))
	if tok := httpReq.Header.Get("X-Amz-Security-Token"); tok != "" {
		req.Header.Set("X-Amz-Security-Token", tok)
	}
	return nil
}

// toHTTPRequest builds a *http.Request usable by the v4 signer from an
// envelope, and returns the payload hash to sign (recomputed from the
// finite body, or UNSIGNED-PAYLOAD for a stream, matching S3's own
// treatment of chunked/streamed uploads).
func toHTTPRequest(req *envelope.RequestEnvelope) (*http.Request, string, error) {
	u := &url.URL{Scheme: "https", Host: req.Host, Path: req.Path, RawQuery: req.RawQuery}
	var body io.Reader
	payloadHash := unsignedPayload
	if req.Body.IsFinite() {
		body = strings.NewReader(string(req.Body.Finite))
		sum := sha256.Sum256(req.Body.Finite)
		payloadHash = hex.EncodeToString(sum[:])
	}
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, "", err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Host = req.Host
	return httpReq, payloadHash, nil
}

// extractSignature pulls the "Signature=" component out of an AWS4-HMAC
// Authorization header value.
func extractSignature(authz string) (string, error) {
	const marker = "Signature="
	idx := strings.LastIndex(authz, marker)
	if idx < 0 {
		return "", fmt.Errorf("no Signature component in %q", authz)
	}
	return authz[idx+len(marker):], nil
}

func parseAmzDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	return time.Parse("20060102T150405Z", s)
}
