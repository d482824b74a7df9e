package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is a cached response plus the bookkeeping the eviction/expiry
// machinery needs. State transitions follow the Absent -> Inflight ->
// Present -> Expired state machine (spec §4.6).
type entry struct {
	fingerprint Fingerprint
	response    *StoredResponse
	size        int64

	state State

	// lastAccess is the CacheEntry data model's distinct last-access
	// timestamp (spec §3): set by Put and refreshed by Touch on every hit,
	// independent of
	// response.StoredAt (the admitted-at timestamp TTL is measured from).
	lastAccess time.Time

	elem *list.Element // this entry's node in the recency list
}

// State is a cache entry's position in the Absent/Inflight/Present/Expired
// state machine.
type State int

const (
	StateAbsent State = iota
	StateInflight
	StatePresent
	StateExpired
)

// weightedLRU is a size-weighted recency list: eviction walks from the tail
// (least recently used) until enough bytes have been freed, rather than
// evicting a single fixed-count entry per admission. This is one of the two
// stdlib-only pieces of internal/cache (the other is the TinyLFU sketch in
// sketch.go) — see DESIGN.md for why creachadair/mds/cache was not used here.
//
// Grounded on O-tero-Distributed-Caching-System's cache-manager/cache.go
// (lruEntry + evictLRUUnsafe) and scttfrdmn-objectfs's
// internal/cache/lru.go (cacheItem + EvictByWeight), both of which
// independently hand-roll the same container/list-backed design.
type weightedLRU struct {
	mu       sync.Mutex
	items    map[Fingerprint]*entry
	order    *list.List // front = most recently used
	capacity int64
	used     int64
}

func newWeightedLRU(capacityBytes int64) *weightedLRU {
	return &weightedLRU{
		items:    make(map[Fingerprint]*entry),
		order:    list.New(),
		capacity: capacityBytes,
	}
}

// Peek returns the entry for fp without updating its recency or last-access
// timestamp, so a caller can evaluate TTI expiry against the idle time
// since the *previous* access rather than one Peek just produced itself.
func (w *weightedLRU) Peek(fp Fingerprint) (*entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.items[fp]
	return e, ok
}

// Touch marks fp most recently used and refreshes its last-access
// timestamp (spec §4.6.1's "update last-access to now" on every hit). A
// caller must have already confirmed fp is not expired via Peek before
// calling Touch, since Touch itself resets the idle clock Peek would check.
func (w *weightedLRU) Touch(fp Fingerprint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.items[fp]
	if !ok {
		return
	}
	w.order.MoveToFront(e.elem)
	e.lastAccess = time.Now()
}

// Put admits e, evicting least-recently-used entries from the tail until
// there is room. admit, if non-nil, is consulted (TinyLFU) before an
// admission that would require evicting an entry more recently used than
// the incoming one is allowed to proceed; admit(candidateKey, victimKey)
// returning false rejects the admission, leaving the existing cache state
// untouched. Victim selection is computed entirely before any state is
// mutated, so a rejection partway through a multi-victim eviction never
// leaves an already-chosen victim evicted.
func (w *weightedLRU) Put(e *entry, admit func(candidate, victim string) bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e.size > w.capacity {
		return false // never admit a single entry larger than total capacity
	}

	replacing, hasReplacing := w.items[e.fingerprint]
	projectedUsed := w.used
	if hasReplacing {
		projectedUsed -= replacing.size
	}

	var victims []*entry
	for elem := w.order.Back(); elem != nil && projectedUsed+e.size > w.capacity; elem = elem.Prev() {
		v := elem.Value.(*entry)
		if hasReplacing && v == replacing {
			continue
		}
		if admit != nil && !admit(string(e.fingerprint), string(v.fingerprint)) {
			return false // reject; nothing has been mutated yet
		}
		victims = append(victims, v)
		projectedUsed -= v.size
	}

	if hasReplacing {
		w.order.Remove(replacing.elem)
		delete(w.items, replacing.fingerprint)
		w.used -= replacing.size
	}
	for _, v := range victims {
		w.order.Remove(v.elem)
		delete(w.items, v.fingerprint)
		w.used -= v.size
		v.state = StateExpired
	}

	e.lastAccess = time.Now()
	e.elem = w.order.PushFront(e)
	w.items[e.fingerprint] = e
	w.used += e.size
	return true
}

// Remove evicts fp unconditionally, e.g. on TTL/TTI expiry or invalidation.
func (w *weightedLRU) Remove(fp Fingerprint) (*entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.items[fp]
	if !ok {
		return nil, false
	}
	w.order.Remove(e.elem)
	delete(w.items, fp)
	w.used -= e.size
	return e, true
}

// Len returns the number of entries currently tracked.
func (w *weightedLRU) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// UsedBytes returns the current total weighted size in use.
func (w *weightedLRU) UsedBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}
