package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/scttfrdmn/s3cacheproxy/internal/classify"
)

// Fingerprint is the cache key: a hash over the tuple of request fields
// that determine response equivalence for a given operation (spec §4.6.2),
// namespaced by the bucket's current version counter so invalidation never
// needs to scan existing entries (bumping the counter orphans every
// fingerprint computed against the old value in O(1)).
type Fingerprint string

// Compute derives the fingerprint for a classified request view, given the
// issuing bucket's current version counter. accountScope partitions
// ListBuckets, which has no bucket in its path to version: per spec.md open
// question (c), it is scoped by the outbound credentials B's access key ID.
func Compute(v classify.View, bucketVersion uint64, accountScope string) Fingerprint {
	parts := []string{
		v.Op.String(),
		normalize(v.Bucket),
		strconv.FormatUint(bucketVersion, 10),
	}
	if v.Op == classify.ListBuckets {
		parts = append(parts, accountScope)
	}
	switch v.Op {
	case classify.GetObject:
		parts = append(parts, normalize(v.Key), v.Range, v.VersionID, v.PartNumber, v.SSECustomerKeyMD5)
	case classify.HeadObject:
		parts = append(parts, normalize(v.Key), v.VersionID, v.PartNumber, v.SSECustomerKeyMD5)
	case classify.ListObjects:
		parts = append(parts, normalize(v.Prefix), normalize(v.Delimiter), v.EncodingType, v.Marker, v.MaxKeys)
	case classify.ListObjectsV2:
		parts = append(parts, normalize(v.Prefix), normalize(v.Delimiter), v.EncodingType, v.ContinuationToken, v.StartAfter, v.MaxKeys)
	case classify.ListObjectVersions:
		parts = append(parts, normalize(v.Prefix), normalize(v.Delimiter), v.KeyMarker, v.VersionIDMarker, v.MaxKeys)
	case classify.HeadBucket, classify.ListBuckets:
		// bucket + version already cover the tuple.
	}

	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x00")))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// normalize applies NFC normalization so visually-identical paths/prefixes
// that differ only in Unicode composition form fingerprint identically,
// per spec §4.6.2's canonical-form requirement.
func normalize(s string) string {
	return norm.NFC.String(s)
}
