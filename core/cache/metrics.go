package cache

import "sync"

type (
	// Metrics holds per-bucket hit/miss/eviction counters. It is owned by
	// one Service instance and injected at construction; there is no
	// process-wide counter state.
	Metrics struct {
		mu        sync.Mutex
		hits      map[Bucket]int64
		misses    map[Bucket]int64
		evictions map[Bucket]int64
	}

	// Stats is a point-in-time snapshot for the diagnostics surface.
	Stats struct {
		Hits         map[string]int64 `json:"hits"`
		Misses       map[string]int64 `json:"misses"`
		Evictions    map[string]int64 `json:"evictions"`
		Entries      map[string]int   `json:"entries"`
		TotalEntries int              `json:"total_entries"`
	}
)

func NewMetrics() *Metrics {
	return &Metrics{
		hits:      make(map[Bucket]int64),
		misses:    make(map[Bucket]int64),
		evictions: make(map[Bucket]int64),
	}
}

func (m *Metrics) Hit(b Bucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[b]++
}

func (m *Metrics) Miss(b Bucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[b]++
}

func (m *Metrics) Evicted(b Bucket, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions[b] += int64(n)
}

func (m *Metrics) snapshot() (hits, misses, evictions map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hits = make(map[string]int64, len(m.hits))
	misses = make(map[string]int64, len(m.misses))
	evictions = make(map[string]int64, len(m.evictions))
	for b, n := range m.hits {
		hits[string(b)] = n
	}
	for b, n := range m.misses {
		misses[string(b)] = n
	}
	for b, n := range m.evictions {
		evictions[string(b)] = n
	}
	return hits, misses, evictions
}
