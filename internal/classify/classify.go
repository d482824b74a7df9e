// Package classify implements the Operation Classifier: it inspects a
// request envelope and tags it with the S3 operation it represents, using
// the same finite operation set a routing layer would switch over.
package classify

import (
	"strconv"
	"strings"

	"github.com/creachadair/mds/mapset"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
)

// OpTag identifies the S3 operation a request represents. Any request this
// proxy cannot confidently classify is tagged Other and never cached,
// matching the "unsupported header degrades to Other" rule.
type OpTag int

const (
	Other OpTag = iota
	GetObject
	HeadObject
	ListObjects
	ListObjectsV2
	ListObjectVersions
	HeadBucket
	ListBuckets
)

func (t OpTag) String() string {
	switch t {
	case GetObject:
		return "GetObject"
	case HeadObject:
		return "HeadObject"
	case ListObjects:
		return "ListObjects"
	case ListObjectsV2:
		return "ListObjectsV2"
	case ListObjectVersions:
		return "ListObjectVersions"
	case HeadBucket:
		return "HeadBucket"
	case ListBuckets:
		return "ListBuckets"
	default:
		return "Other"
	}
}

// ExtKey is the RequestEnvelope.Extensions key the classifier writes its
// result under.
const ExtKey = "classify.view"

// listV1Params are the query parameters recognized on a bucket-root GET
// that does not carry "list-type" or "versions". Anything else present
// downgrades the request to Other, mirroring revproxy's treatment of an
// unrecognized Cache-Control directive: classification is conservative by
// default.
var listV1Params = mapset.New("delimiter", "prefix", "marker", "max-keys", "encoding-type")

// listV2Params are the query parameters recognized alongside "list-type=2".
var listV2Params = mapset.New("list-type", "delimiter", "prefix", "continuation-token",
	"start-after", "max-keys", "encoding-type", "fetch-owner")

// listVersionsParams are the query parameters recognized alongside
// "versions".
var listVersionsParams = mapset.New("versions", "delimiter", "prefix", "key-marker",
	"version-id-marker", "max-keys", "encoding-type")

// objectParams are the query parameters recognized on a GetObject/HeadObject
// request; any other query parameter (e.g. "acl", "tagging") is a distinct
// sub-resource this classifier does not understand and degrades to Other.
var objectParams = mapset.New("versionid", "partnumber")

// unsupportedObjectHeaders are request headers that are response-affecting
// (per spec §4.6.2's Vary-style treatment) but whose values this classifier
// does not fold into the fingerprint tuple. Their presence degrades the
// request to Other rather than risk serving a cached response that does not
// account for them (spec.md scenario S6: If-Match).
var unsupportedObjectHeaders = []string{
	"If-Match", "If-None-Match", "If-Modified-Since", "If-Unmodified-Since", "Accept-Encoding",
}

// View is the typed, per-operation result of classification. Only the
// fields relevant to the tagged operation are populated.
type View struct {
	Op     OpTag
	Bucket string
	Key    string

	// Range is the raw Range header value, present only for GetObject. Two
	// GetObject requests with different Range values are never treated as
	// fingerprint-equivalent (spec.md open question (b)).
	Range string
	// VersionID and PartNumber narrow a GetObject/HeadObject to a specific
	// object version or multipart part.
	VersionID string
	PartNumber string
	// SSECustomerKeyMD5 is the MD5 of an SSE-C key; the proxy does not see
	// the key itself, only the caller-supplied digest identifying it, but a
	// cached plaintext response is only valid for requests presenting the
	// same digest.
	SSECustomerKeyMD5 string

	// Delimiter/Prefix and friends are present for the List* family and
	// participate in their fingerprint.
	Delimiter         string
	Prefix            string
	EncodingType      string
	Marker            string
	StartAfter        string
	ContinuationToken string
	KeyMarker         string
	VersionIDMarker   string
	MaxKeys           string
}

// Classify inspects req and returns the operation view. It also attaches the
// view to req.Extensions under ExtKey so downstream middlewares can read it
// without re-parsing.
func Classify(req *envelope.RequestEnvelope) View {
	v := classify(req)
	req.SetExt(ExtKey, v)
	return v
}

func classify(req *envelope.RequestEnvelope) View {
	bucket, key := splitPath(req)
	query := parseQuery(req.RawQuery)

	switch req.Method {
	case "HEAD":
		if key == "" {
			return View{Op: HeadBucket, Bucket: bucket}
		}
		if !onlyKnownParams(query, objectParams) || hasUnsupportedHeader(req) {
			return View{Op: Other, Bucket: bucket, Key: key}
		}
		return objectView(HeadObject, bucket, key, "", query, req)

	case "GET":
		if bucket == "" {
			return View{Op: ListBuckets}
		}
		if key != "" {
			if !onlyKnownParams(query, objectParams) || hasUnsupportedHeader(req) {
				return View{Op: Other, Bucket: bucket, Key: key}
			}
			return objectView(GetObject, bucket, key, req.Header.Get("Range"), query, req)
		}
		// Bucket root: this is one of the listing family, or Other if the
		// query carries something this classifier does not recognize.
		if query.Has("versions") {
			if !onlyKnownParams(query, listVersionsParams) {
				return View{Op: Other, Bucket: bucket}
			}
			return View{
				Op:              ListObjectVersions,
				Bucket:          bucket,
				Delimiter:       query.Get("delimiter"),
				Prefix:          query.Get("prefix"),
				KeyMarker:       query.Get("key-marker"),
				VersionIDMarker: query.Get("version-id-marker"),
				MaxKeys:         query.Get("max-keys"),
				EncodingType:    query.Get("encoding-type"),
			}
		}
		if query.Get("list-type") == "2" {
			if !onlyKnownParams(query, listV2Params) {
				return View{Op: Other, Bucket: bucket}
			}
			return View{
				Op:                ListObjectsV2,
				Bucket:            bucket,
				Delimiter:         query.Get("delimiter"),
				Prefix:            query.Get("prefix"),
				ContinuationToken: query.Get("continuation-token"),
				StartAfter:        query.Get("start-after"),
				MaxKeys:           query.Get("max-keys"),
				EncodingType:      query.Get("encoding-type"),
			}
		}
		if len(query) == 0 || onlyKnownParams(query, listV1Params) {
			return View{
				Op:           ListObjects,
				Bucket:       bucket,
				Delimiter:    query.Get("delimiter"),
				Prefix:       query.Get("prefix"),
				Marker:       query.Get("marker"),
				MaxKeys:      query.Get("max-keys"),
				EncodingType: query.Get("encoding-type"),
			}
		}
		return View{Op: Other, Bucket: bucket}

	default:
		return View{Op: Other, Bucket: bucket, Key: key}
	}
}

// objectView builds the View for a GetObject/HeadObject request, reading
// the version/part/SSE-C-key-digest fields common to both.
func objectView(op OpTag, bucket, key, rng string, query query, req *envelope.RequestEnvelope) View {
	return View{
		Op:                op,
		Bucket:            bucket,
		Key:               key,
		Range:             rng,
		VersionID:         query.Get("versionid"),
		PartNumber:        query.Get("partnumber"),
		SSECustomerKeyMD5: req.Header.Get("X-Amz-Server-Side-Encryption-Customer-Key-MD5"),
	}
}

func onlyKnownParams(q query, known mapset.Set[string]) bool {
	for k := range q {
		if !known.Has(k) {
			return false
		}
	}
	return true
}

func hasUnsupportedHeader(req *envelope.RequestEnvelope) bool {
	for _, h := range unsupportedObjectHeaders {
		if req.Header.Get(h) != "" {
			return true
		}
	}
	return false
}

// splitPath extracts the bucket and key from a request, preferring
// virtual-hosted-style addressing (bucket encoded in Host) and falling back
// to path-style (bucket as the first path segment).
func splitPath(req *envelope.RequestEnvelope) (bucket, key string) {
	if b, ok := virtualHostedBucket(req.Host); ok {
		return b, strings.TrimPrefix(req.Path, "/")
	}
	p := strings.TrimPrefix(req.Path, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// virtualHostedEndpointSuffixes are the canonical S3-compatible endpoint
// host suffixes this classifier recognizes for virtual-hosted addressing.
var virtualHostedEndpointSuffixes = []string{
	".s3.amazonaws.com",
	".s3.dualstack.amazonaws.com",
}

func virtualHostedBucket(host string) (string, bool) {
	host = strings.ToLower(host)
	for _, suffix := range virtualHostedEndpointSuffixes {
		if strings.HasSuffix(host, suffix) {
			return strings.TrimSuffix(host, suffix), true
		}
	}
	// <bucket>.s3.<region>.amazonaws.com
	if idx := strings.Index(host, ".s3."); idx > 0 && strings.HasSuffix(host, "amazonaws.com") {
		return host[:idx], true
	}
	return "", false
}

type query map[string]string

func (q query) Has(key string) bool {
	_, ok := q[key]
	return ok
}

func (q query) Get(key string) string {
	return q[key]
}

// parseQuery decodes a raw query string into single-valued key/value pairs.
// S3 list/control parameters never repeat, so last-value-wins is sufficient
// and avoids pulling in net/url's percent-decoding ambiguity for the
// fingerprinting path (classify does its own minimal decode).
func parseQuery(raw string) query {
	q := make(query)
	if raw == "" {
		return q
	}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		k := unescape(kv[0])
		v := ""
		if len(kv) == 2 {
			v = unescape(kv[1])
		}
		q[strings.ToLower(k)] = v
	}
	return q
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if n, err := strconv.ParseInt(s[i+1:i+3], 16, 32); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ParseOpTag resolves the operation name used in configuration
// ("[cache.ops.<Operation>]") back to its OpTag, for config sections keyed
// by the same names OpTag.String() produces.
func ParseOpTag(name string) (OpTag, bool) {
	for _, t := range []OpTag{GetObject, HeadObject, ListObjects, ListObjectsV2, ListObjectVersions, HeadBucket, ListBuckets} {
		if t.String() == name {
			return t, true
		}
	}
	return Other, false
}

// Cacheable reports whether op is ever eligible for cache admission.
// Mutating operations and Other are never cacheable.
func Cacheable(op OpTag) bool {
	switch op {
	case GetObject, HeadObject, ListObjects, ListObjectsV2, ListObjectVersions, HeadBucket, ListBuckets:
		return true
	default:
		return false
	}
}
