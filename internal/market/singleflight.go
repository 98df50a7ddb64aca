package market

import (
	"sync"
	"time"
)

// inFlightQuery tracks a pending fetch so concurrent callers for the same
// key share one upstream request.
type inFlightQuery struct {
	done  chan struct{}
	value interface{}
	err   error
}

type queryEntry struct {
	value     interface{}
	fetchedAt time.Time
}

// QueryCacheStats tracks cache performance
type QueryCacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Deduplicated int64   `json:"deduplicated"` // Callers that waited on an in-flight fetch
	Fallbacks    int64   `json:"fallbacks"`    // Failed fetches served from the last known value
	HitRate      float64 `json:"hit_rate"`
}

// QueryCache is a keyed TTL cache with in-flight request deduplication.
// A fresh entry is served directly. On a miss the first caller fetches;
// concurrent callers for the same key block on the in-flight request and
// share its result. A failed fetch falls back to the last known value when
// one exists, so transient upstream errors degrade to slightly stale data
// instead of failures.
type QueryCache struct {
	mu       sync.Mutex
	entries  map[string]*queryEntry
	inFlight map[string]*inFlightQuery

	hits         int64
	misses       int64
	deduplicated int64
	fallbacks    int64

	// test seam, defaults to time.Now
	now func() time.Time
}

// NewQueryCache creates an empty query cache
func NewQueryCache() *QueryCache {
	return &QueryCache{
		entries:  make(map[string]*queryEntry),
		inFlight: make(map[string]*inFlightQuery),
		now:      time.Now,
	}
}

// Get returns the cached value for key if younger than ttl, otherwise
// fetches. fetch runs outside the cache lock.
func (qc *QueryCache) Get(key string, ttl time.Duration, fetch func() (interface{}, error)) (interface{}, error) {
	qc.mu.Lock()

	if entry, ok := qc.entries[key]; ok && qc.now().Sub(entry.fetchedAt) < ttl {
		qc.hits++
		value := entry.value
		qc.mu.Unlock()
		return value, nil
	}

	if flight, ok := qc.inFlight[key]; ok {
		qc.deduplicated++
		qc.mu.Unlock()

		<-flight.done
		if flight.err == nil {
			return flight.value, nil
		}
		// The fetcher failed; share its fallback the same way it resolved
		return qc.lastKnown(key, flight.err)
	}

	qc.misses++
	flight := &inFlightQuery{done: make(chan struct{})}
	qc.inFlight[key] = flight
	qc.mu.Unlock()

	value, err := fetch()
	flight.value = value
	flight.err = err

	qc.mu.Lock()
	if err == nil {
		qc.entries[key] = &queryEntry{value: value, fetchedAt: qc.now()}
	}
	delete(qc.inFlight, key)
	qc.mu.Unlock()
	close(flight.done)

	if err != nil {
		return qc.lastKnown(key, err)
	}
	return value, nil
}

// lastKnown serves the expired entry for key if one exists, otherwise
// propagates fetchErr.
func (qc *QueryCache) lastKnown(key string, fetchErr error) (interface{}, error) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if entry, ok := qc.entries[key]; ok {
		qc.fallbacks++
		return entry.value, nil
	}
	return nil, fetchErr
}

// Invalidate drops the entry for key so the next Get fetches
func (qc *QueryCache) Invalidate(key string) {
	qc.mu.Lock()
	delete(qc.entries, key)
	qc.mu.Unlock()
}

// Stats returns a snapshot of cache performance
func (qc *QueryCache) Stats() QueryCacheStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	total := qc.hits + qc.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(qc.hits) / float64(total) * 100
	}
	return QueryCacheStats{
		Hits:         qc.hits,
		Misses:       qc.misses,
		Deduplicated: qc.deduplicated,
		Fallbacks:    qc.fallbacks,
		HitRate:      hitRate,
	}
}
