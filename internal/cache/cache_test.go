package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scttfrdmn/s3cacheproxy/internal/bus"
	"github.com/scttfrdmn/s3cacheproxy/internal/classify"
	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/middleware"
)

func getRequest(bucket, key string) *envelope.RequestEnvelope {
	req := &envelope.RequestEnvelope{Context: context.Background(), Method: "GET", Host: "s3.example.com", Path: "/" + bucket + "/" + key, Header: envelope.NewHeader()}
	classify.Classify(req)
	return req
}

func okResponse(body string) *envelope.ResponseEnvelope {
	h := envelope.NewHeader()
	return &envelope.ResponseEnvelope{StatusCode: 200, Header: h, Body: envelope.Body{Finite: []byte(body)}}
}

func TestCacheMissThenHit(t *testing.T) {
	var upstreamCalls int32
	m := New(Config{CapacityBytes: 1 << 20, TTL: time.Minute}, nil)

	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return okResponse("payload"), nil
	}

	req := getRequest("bucket", "key")
	resp1, err := m.Call(context.Background(), req, next)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if string(resp1.Body.Finite) != "payload" {
		t.Fatalf("body = %q", resp1.Body.Finite)
	}

	req2 := getRequest("bucket", "key")
	resp2, err := m.Call(context.Background(), req2, next)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if string(resp2.Body.Finite) != "payload" {
		t.Fatalf("body = %q", resp2.Body.Finite)
	}
	if status, _ := envelope.RespExt[string](resp2, "cache.status"); status != "hit" {
		t.Fatalf("expected cache hit on second call, got %q", status)
	}
	if atomic.LoadInt32(&upstreamCalls) != 1 {
		t.Fatalf("upstream calls = %d, want 1", upstreamCalls)
	}
}

func TestCacheHitRegeneratesDateAndAge(t *testing.T) {
	m := New(Config{CapacityBytes: 1 << 20, TTL: time.Minute}, nil)
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		return okResponse("payload"), nil
	}
	m.Call(context.Background(), getRequest("bucket", "key"), next)
	time.Sleep(10 * time.Millisecond)
	resp, err := m.Call(context.Background(), getRequest("bucket", "key"), next)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if resp.Header.Get("Date") == "" {
		t.Fatal("expected a regenerated Date header on a cache hit")
	}
	if resp.Header.Get("Age") == "" {
		t.Fatal("expected an Age header on a cache hit")
	}
}

func TestCacheNonCacheableOpPassesThrough(t *testing.T) {
	m := New(Config{CapacityBytes: 1 << 20}, nil)
	var calls int32
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse("x"), nil
	}
	req := &envelope.RequestEnvelope{Context: context.Background(), Method: "PUT", Host: "s3.example.com", Path: "/bucket/key", Header: envelope.NewHeader()}
	classify.Classify(req)
	m.Call(context.Background(), req, next)
	m.Call(context.Background(), req, next)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (PUT must never be cached)", calls)
	}
}

func TestCacheNoStoreNotAdmitted(t *testing.T) {
	m := New(Config{CapacityBytes: 1 << 20}, nil)
	var calls int32
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&calls, 1)
		resp := okResponse("x")
		resp.Header.Set("Cache-Control", "no-store")
		return resp, nil
	}
	req1 := getRequest("bucket", "key")
	m.Call(context.Background(), req1, next)
	req2 := getRequest("bucket", "key")
	m.Call(context.Background(), req2, next)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (no-store must never be admitted)", calls)
	}
}

func TestInvalidateOrphansEntry(t *testing.T) {
	b := bus.New(4)
	m := New(Config{CapacityBytes: 1 << 20, TTL: time.Minute}, b)
	var calls int32
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse("v1"), nil
	}

	req1 := getRequest("bucket", "key")
	m.Call(context.Background(), req1, next)

	b.Publish(bus.NewInvalidationEvent("bucket", "key", "", "test"))
	time.Sleep(20 * time.Millisecond) // let the subscriber goroutine process

	req2 := getRequest("bucket", "key")
	m.Call(context.Background(), req2, next)

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (invalidation must force a refetch)", calls)
	}
}

func TestCachePerOpDisabledPassesThrough(t *testing.T) {
	disabled := false
	m := New(Config{
		CapacityBytes: 1 << 20,
		TTL:           time.Minute,
		PerOp:         map[classify.OpTag]PerOpPolicy{classify.GetObject: {Enabled: &disabled}},
	}, nil)
	var calls int32
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse("x"), nil
	}
	m.Call(context.Background(), getRequest("bucket", "key"), next)
	m.Call(context.Background(), getRequest("bucket", "key"), next)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (GetObject disabled per-op)", calls)
	}
}

func TestCachePerOpTTLOverride(t *testing.T) {
	m := New(Config{
		CapacityBytes: 1 << 20,
		TTL:           time.Hour,
		PerOp:         map[classify.OpTag]PerOpPolicy{classify.GetObject: {TTL: 20 * time.Millisecond}},
	}, nil)
	var calls int32
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse("x"), nil
	}
	m.Call(context.Background(), getRequest("bucket", "key"), next)
	time.Sleep(40 * time.Millisecond)
	m.Call(context.Background(), getRequest("bucket", "key"), next)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (per-op TTL must expire faster than the global default)", calls)
	}
}

// TestCacheTTIRenewedOnAccess exercises spec §4.6.1's "update last-access
// to now" on every hit: repeated accesses inside the TTI window must keep
// the entry alive even after its cumulative age would exceed a single
// fixed TTI computed from admission time.
func TestCacheTTIRenewedOnAccess(t *testing.T) {
	m := New(Config{
		CapacityBytes: 1 << 20,
		TTI:           30 * time.Millisecond,
	}, nil)
	var calls int32
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse("x"), nil
	}

	m.Call(context.Background(), getRequest("bucket", "key"), next)
	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		m.Call(context.Background(), getRequest("bucket", "key"), next)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (each access within the TTI window must renew it)", calls)
	}

	time.Sleep(50 * time.Millisecond)
	m.Call(context.Background(), getRequest("bucket", "key"), next)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (entry must expire once left idle past TTI)", calls)
	}
}

func TestCacheCoalescesConcurrentMisses(t *testing.T) {
	m := New(Config{CapacityBytes: 1 << 20, TTL: time.Minute}, nil)
	release := make(chan struct{})
	var calls int32
	next := func(ctx context.Context, req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return okResponse("v"), nil
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			req := getRequest("bucket", "key")
			m.Call(context.Background(), req, next)
			done <- struct{}{}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	<-done
	<-done

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1 (single-flight must coalesce)", calls)
	}
}

var _ middleware.Middleware = (*Middleware)(nil)
