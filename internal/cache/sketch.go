package cache

import (
	"hash/maphash"
	"sync"
)

// admissionSketch implements TinyLFU admission: a Count-Min Sketch
// estimates each fingerprint's access frequency, and a doorkeeper Bloom
// filter gives new entries one free pass before they start competing on
// estimated frequency, avoiding the classic "one-hit-wonder never gets a
// chance" failure mode of a pure CMS. Periodic halving keeps the sketch
// responsive to a shifting working set.
//
// No example in the retrieval pack implements TinyLFU; this is built
// directly against hash/maphash per DESIGN.md's justification; it is one of
// the two stdlib-only pieces of the cache subsystem (the other is the
// weighted recency list in lru.go).
type admissionSketch struct {
	mu sync.Mutex

	width uint64
	depth int
	rows  [][]uint8
	seeds []maphash.Seed

	doorkeeper []uint64 // bitset
	dkBits     uint64

	additions    uint64
	decayAt      uint64
}

const sketchDepth = 4

func newAdmissionSketch(width uint64) *admissionSketch {
	if width == 0 {
		width = 1 << 14
	}
	rows := make([][]uint8, sketchDepth)
	seeds := make([]maphash.Seed, sketchDepth)
	for i := range rows {
		rows[i] = make([]uint8, width)
		seeds[i] = maphash.MakeSeed()
	}
	dkBits := width * 8
	return &admissionSketch{
		width:      width,
		depth:      sketchDepth,
		rows:       rows,
		seeds:      seeds,
		doorkeeper: make([]uint64, (dkBits+63)/64),
		dkBits:     dkBits,
		decayAt:    width * 10,
	}
}

func (s *admissionSketch) index(seed maphash.Seed, key string) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	h.WriteString(key)
	return h.Sum64() % s.width
}

func (s *admissionSketch) dkIndex(key string) uint64 {
	var h maphash.Hash
	h.SetSeed(s.seeds[0])
	h.WriteString("dk:" + key)
	return h.Sum64() % s.dkBits
}

// RecordAccess increments the estimate for key, passing it through the
// doorkeeper on its first observed access.
func (s *admissionSketch) RecordAccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.dkIndex(key)
	word, bit := idx/64, idx%64
	if s.doorkeeper[word]&(1<<bit) == 0 {
		s.doorkeeper[word] |= 1 << bit
	} else {
		for i := 0; i < s.depth; i++ {
			j := s.index(s.seeds[i], key)
			if s.rows[i][j] < 255 {
				s.rows[i][j]++
			}
		}
	}

	s.additions++
	if s.additions >= s.decayAt {
		s.decay()
		s.additions = 0
	}
}

// Estimate returns the approximate access frequency of key.
func (s *admissionSketch) Estimate(key string) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	min := uint8(255)
	for i := 0; i < s.depth; i++ {
		j := s.index(s.seeds[i], key)
		if s.rows[i][j] < min {
			min = s.rows[i][j]
		}
	}
	return min
}

// Admit decides whether a candidate key should be admitted over a victim
// key selected for eviction: the candidate wins ties (favoring recency) and
// wins outright if its estimated frequency is >= the victim's.
func (s *admissionSketch) Admit(candidate, victim string) bool {
	return s.Estimate(candidate) >= s.Estimate(victim)
}

// decay halves every counter, keeping the sketch responsive to a shifting
// working set instead of saturating over a long process lifetime. The
// doorkeeper is cleared entirely so every key gets one more free pass.
func (s *admissionSketch) decay() {
	for i := range s.rows {
		row := s.rows[i]
		for j := range row {
			row[j] /= 2
		}
	}
	for i := range s.doorkeeper {
		s.doorkeeper[i] = 0
	}
}
