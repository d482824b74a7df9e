package classify

import (
	"testing"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
)

func req(method, host, path, rawQuery string, hdr envelope.Header) *envelope.RequestEnvelope {
	if hdr == nil {
		hdr = envelope.NewHeader()
	}
	return &envelope.RequestEnvelope{Method: method, Host: host, Path: path, RawQuery: rawQuery, Header: hdr}
}

func TestClassifyPathStyle(t *testing.T) {
	cases := []struct {
		name   string
		r      *envelope.RequestEnvelope
		wantOp OpTag
		bucket string
		key    string
	}{
		{"get-object", req("GET", "s3.example.com", "/mybucket/path/to/key", "", nil), GetObject, "mybucket", "path/to/key"},
		{"head-object", req("HEAD", "s3.example.com", "/mybucket/key", "", nil), HeadObject, "mybucket", "key"},
		{"head-bucket", req("HEAD", "s3.example.com", "/mybucket", "", nil), HeadBucket, "mybucket", ""},
		{"list-buckets", req("GET", "s3.example.com", "/", "", nil), ListBuckets, "", ""},
		{"list-objects-v2", req("GET", "s3.example.com", "/mybucket", "list-type=2&prefix=a/", nil), ListObjectsV2, "mybucket", ""},
		{"list-objects-v1", req("GET", "s3.example.com", "/mybucket", "prefix=a/&delimiter=/", nil), ListObjects, "mybucket", ""},
		{"list-object-versions", req("GET", "s3.example.com", "/mybucket", "versions", nil), ListObjectVersions, "mybucket", ""},
		{"unsupported-query-is-other", req("GET", "s3.example.com", "/mybucket", "acl", nil), Other, "mybucket", ""},
		{"put-is-other", req("PUT", "s3.example.com", "/mybucket/key", "", nil), Other, "mybucket", "key"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := Classify(c.r)
			if v.Op != c.wantOp {
				t.Fatalf("op = %v, want %v", v.Op, c.wantOp)
			}
			if v.Bucket != c.bucket {
				t.Fatalf("bucket = %q, want %q", v.Bucket, c.bucket)
			}
			if v.Key != c.key {
				t.Fatalf("key = %q, want %q", v.Key, c.key)
			}
			if got, ok := envelope.Ext[View](c.r, ExtKey); !ok || got.Op != c.wantOp {
				t.Fatalf("extension not attached correctly: %+v ok=%v", got, ok)
			}
		})
	}
}

func TestClassifyVirtualHosted(t *testing.T) {
	v := Classify(req("GET", "mybucket.s3.amazonaws.com", "/key", "", nil))
	if v.Op != GetObject || v.Bucket != "mybucket" || v.Key != "key" {
		t.Fatalf("got %+v", v)
	}
}

func TestClassifyGetObjectRecordsDistinctRanges(t *testing.T) {
	h1 := envelope.NewHeader()
	h1.Set("Range", "bytes=0-99")
	h2 := envelope.NewHeader()
	h2.Set("Range", "bytes=100-199")
	v1 := Classify(req("GET", "s3.example.com", "/b/k", "", h1))
	v2 := Classify(req("GET", "s3.example.com", "/b/k", "", h2))
	if v1.Range == v2.Range {
		t.Fatalf("range values should differ: %q vs %q", v1.Range, v2.Range)
	}
}

func TestClassifyUnsupportedHeaderDegradesToOther(t *testing.T) {
	h := envelope.NewHeader()
	h.Set("If-Match", `"etag"`)
	v := Classify(req("GET", "s3.example.com", "/bucket/key", "", h))
	if v.Op != Other {
		t.Fatalf("op = %v, want Other for an If-Match GET", v.Op)
	}
}

func TestClassifyObjectVersionAndPart(t *testing.T) {
	v := Classify(req("GET", "s3.example.com", "/bucket/key", "versionId=v1&partNumber=2", nil))
	if v.Op != GetObject {
		t.Fatalf("op = %v, want GetObject", v.Op)
	}
	if v.VersionID != "v1" || v.PartNumber != "2" {
		t.Fatalf("got version=%q part=%q", v.VersionID, v.PartNumber)
	}
}

func TestClassifyUnknownObjectQueryDegradesToOther(t *testing.T) {
	v := Classify(req("GET", "s3.example.com", "/bucket/key", "acl", nil))
	if v.Op != Other {
		t.Fatalf("op = %v, want Other for an unrecognized object sub-resource", v.Op)
	}
}

func TestCacheable(t *testing.T) {
	if Cacheable(Other) {
		t.Fatal("Other must never be cacheable")
	}
	if !Cacheable(GetObject) {
		t.Fatal("GetObject must be cacheable")
	}
}
