// Package cache implements the Cache Middleware (spec §4.6): fingerprinting,
// TinyLFU admission, size-weighted LRU eviction, TTL/TTI dual expiry,
// single-flight coalesced fetch, and bucket-version-counter invalidation.
package cache

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/scheddle"
	"github.com/creachadair/taskgroup"
	"golang.org/x/sync/singleflight"

	"github.com/scttfrdmn/s3cacheproxy/internal/bus"
	"github.com/scttfrdmn/s3cacheproxy/internal/classify"
	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/logging"
	"github.com/scttfrdmn/s3cacheproxy/internal/middleware"
)

// StoredResponse is the cached, replayable form of a ResponseEnvelope.
type StoredResponse struct {
	StatusCode int
	Header     envelope.Header
	Body       []byte
	StoredAt   time.Time
}

// connectionSpecificHeaders are stripped from a replayed hit: they describe
// the original upstream connection, not this one, per spec §4.6.1's
// "connection-specific headers rewritten" requirement.
var connectionSpecificHeaders = []string{"Connection", "Keep-Alive", "Date", "Age"}

// toEnvelope replays a stored response, regenerating Date and Age (spec
// §4.6.1) instead of serving the values captured at admission time.
func (s *StoredResponse) toEnvelope() *envelope.ResponseEnvelope {
	hdr := s.Header.Clone()
	for _, h := range connectionSpecificHeaders {
		hdr.Del(h)
	}
	hdr.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	hdr.Set("Age", strconv.FormatInt(int64(time.Since(s.StoredAt).Seconds()), 10))
	return &envelope.ResponseEnvelope{
		StatusCode: s.StatusCode,
		Header:     hdr,
		Body:       envelope.Body{Finite: s.Body},
	}
}

// PerOpPolicy overrides the global cache policy for one operation
// (spec.md §3's PerOpPolicy), filled from the config file's
// "[cache.ops.<Operation>]" sub-tables. A nil
// Enabled or a zero TTL/TTI means "defer to the global value" rather than
// "disable"/"never expire".
type PerOpPolicy struct {
	Enabled *bool
	TTL     time.Duration
	TTI     time.Duration
}

// Config configures the Cache middleware.
type Config struct {
	CapacityBytes int64
	SketchWidth   uint64
	TTL           time.Duration
	TTI           time.Duration
	SweepWorkers  int
	Logf          logging.Logf

	// PerOp overrides Enabled/TTL/TTI for individual operations, keyed by
	// classify.OpTag. Absent entries use the global Enabled=true/TTL/TTI.
	PerOp map[classify.OpTag]PerOpPolicy

	// AccountScope partitions ListBuckets fingerprints (spec.md open
	// question (c)); callers pass the outbound credentials B's access key
	// ID, the only account-identifying value this proxy has for an
	// operation with no bucket in its path.
	AccountScope string
}

// policyFor resolves the effective enabled flag and TTL/TTI for op, layering
// any PerOp override over the global defaults.
func (c Config) policyFor(op classify.OpTag) (enabled bool, ttl, tti time.Duration) {
	ttl, tti = c.TTL, c.TTI
	enabled = true
	p, ok := c.PerOp[op]
	if !ok {
		return enabled, ttl, tti
	}
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	if p.TTL > 0 {
		ttl = p.TTL
	}
	if p.TTI > 0 {
		tti = p.TTI
	}
	return enabled, ttl, tti
}

// Middleware is the spec's Cache Middleware: it intercepts cacheable
// operations, serving from its recency list on a hit and coalescing
// concurrent misses through a single upstream fetch.
type Middleware struct {
	cfg    Config
	lru    *weightedLRU
	sketch *admissionSketch
	group  singleflight.Group
	sweep  *scheddle.Queue

	tasks *taskgroup.Group
	start func(taskgroup.Task) *taskgroup.Group

	versionsMu sync.Mutex
	versions   map[string]uint64

	hits, misses, inflightJoins, evictions, invalidations atomic.Int64
}

// New constructs a Cache middleware and subscribes it to b for invalidation
// events.
func New(cfg Config, b *bus.Bus) *Middleware {
	if cfg.Logf == nil {
		cfg.Logf = logging.Discard
	}
	workers := cfg.SweepWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	m := &Middleware{
		cfg:      cfg,
		lru:      newWeightedLRU(cfg.CapacityBytes),
		sketch:   newAdmissionSketch(cfg.SketchWidth),
		sweep:    scheddle.NewQueue(nil),
		versions: make(map[string]uint64),
	}
	m.tasks, m.start = taskgroup.New(nil).Limit(workers)

	if b != nil {
		ch, _ := b.Subscribe()
		go m.consumeInvalidations(ch)
	}
	return m
}

func (m *Middleware) consumeInvalidations(ch <-chan bus.InvalidationEvent) {
	for ev := range ch {
		m.Invalidate(ev.Bucket, ev.Key)
	}
}

// Invalidate bumps the version counter for bucket, orphaning every
// fingerprint computed against the prior version in O(1) without scanning
// the recency list. A non-empty key is accepted for API symmetry with the
// webhook payload but, per spec §4.6.6, invalidation always operates at
// bucket granularity.
func (m *Middleware) Invalidate(bucket, key string) {
	m.versionsMu.Lock()
	m.versions[bucket]++
	m.versionsMu.Unlock()
	m.invalidations.Add(1)
}

func (m *Middleware) bucketVersion(bucket string) uint64 {
	m.versionsMu.Lock()
	defer m.versionsMu.Unlock()
	return m.versions[bucket]
}

// Call implements middleware.Middleware.
func (m *Middleware) Call(ctx context.Context, req *envelope.RequestEnvelope, next middleware.Next) (*envelope.ResponseEnvelope, error) {
	view, ok := envelope.Ext[classify.View](req, classify.ExtKey)
	if !ok {
		view = classify.Classify(req)
	}
	if !classify.Cacheable(view.Op) {
		return next(ctx, req)
	}
	enabled, ttl, tti := m.cfg.policyFor(view.Op)
	if !enabled {
		return next(ctx, req)
	}

	fp := Compute(view, m.bucketVersion(view.Bucket), m.cfg.AccountScope)
	m.sketch.RecordAccess(string(fp))

	if e, ok := m.lru.Peek(fp); ok && e.state == StatePresent && !m.expired(e, ttl, tti) {
		m.lru.Touch(fp)
		m.hits.Add(1)
		resp := e.response.toEnvelope()
		resp.SetExt("cache.status", "hit")
		return resp, nil
	}

	m.misses.Add(1)
	v, err, shared := m.group.Do(string(fp), func() (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		m.admit(fp, view.Op, resp)
		return resp.Clone(), nil
	})
	if shared {
		m.inflightJoins.Add(1)
	}
	if err != nil {
		return nil, err
	}
	resp := v.(*envelope.ResponseEnvelope)
	resp.SetExt("cache.status", "fetch")
	return resp, nil
}

// expired checks TTL against the admitted-at timestamp and TTI against the
// last-access timestamp independently, per the CacheEntry data model
// (spec §3): TTL is a fixed deadline from admission, TTI is a sliding idle
// timeout renewed by weightedLRU.Touch on every hit. The caller must Peek
// (not Touch) before calling expired, or the idle clock it's checking will
// already have been reset by the access it's trying to evaluate.
func (m *Middleware) expired(e *entry, ttl, tti time.Duration) bool {
	now := time.Now()
	if ttl > 0 && now.Sub(e.response.StoredAt) > ttl {
		return true
	}
	if tti > 0 && now.Sub(e.lastAccess) > tti {
		return true
	}
	return false
}

// admit stores resp under fp if the response is cacheable and TinyLFU
// admits it, scheduling its eventual sweep. A 304 response is treated as
// validation per spec §7: it refreshes the matched entry's recency/TTI
// without overwriting the stored body, and is never itself admitted as a
// new entry.
func (m *Middleware) admit(fp Fingerprint, op classify.OpTag, resp *envelope.ResponseEnvelope) {
	if resp.StatusCode == 304 {
		if _, ok := m.lru.Peek(fp); ok {
			m.lru.Touch(fp)
		}
		return
	}
	if !cacheableResponse(resp) {
		return
	}
	stored := &StoredResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       resp.Body.Finite,
		StoredAt:   time.Now(),
	}
	e := &entry{fingerprint: fp, response: stored, size: int64(len(stored.Body)), state: StatePresent}
	ok := m.lru.Put(e, m.sketch.Admit)
	if !ok {
		return
	}
	m.scheduleSweep(fp, op)
}

func cacheableResponse(resp *envelope.ResponseEnvelope) bool {
	if resp.StatusCode != 200 && resp.StatusCode != 206 {
		return false
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "" {
		for _, d := range splitDirectives(cc) {
			if d == "no-store" || d == "no-cache" || d == "private" {
				return false
			}
		}
	}
	return true
}

func splitDirectives(cc string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(cc); i++ {
		if i == len(cc) || cc[i] == ',' {
			d := cc[start:i]
			for len(d) > 0 && d[0] == ' ' {
				d = d[1:]
			}
			out = append(out, d)
			start = i + 1
		}
	}
	return out
}

// scheduleSweep arranges for fp to be lazily re-checked after the shorter
// of TTL/TTI, as a safety net on top of the lazy expiry check in Call. The
// returned scheddle task handle is intentionally discarded: a sweep racing
// with (or arriving after) an already-evicted entry is a harmless no-op.
func (m *Middleware) scheduleSweep(fp Fingerprint, op classify.OpTag) {
	_, ttl, tti := m.cfg.policyFor(op)
	d := ttl
	if tti > 0 && (d == 0 || tti < d) {
		d = tti
	}
	if d <= 0 {
		return
	}
	_ = m.sweep.After(d, func(context.Context) {
		m.start(func() error {
			if e, ok := m.lru.Peek(fp); ok && m.expired(e, ttl, tti) {
				m.lru.Remove(fp)
				m.evictions.Add(1)
			}
			return nil
		})
	})
}

// Metrics exposes the middleware's counters, to be merged into the
// pipeline's expvar.Map by the caller (mirroring revproxy.Server.Metrics).
func (m *Middleware) Metrics() map[string]int64 {
	return map[string]int64{
		"cache_hits":           m.hits.Load(),
		"cache_misses":         m.misses.Load(),
		"cache_inflight_joins": m.inflightJoins.Load(),
		"cache_evictions":      m.evictions.Load(),
		"cache_invalidations":  m.invalidations.Load(),
		"cache_entries":        int64(m.lru.Len()),
		"cache_used_bytes":     m.lru.UsedBytes(),
	}
}

// Shutdown waits for any in-flight background sweep tasks to finish, up to
// the caller's context deadline.
func (m *Middleware) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- m.tasks.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
