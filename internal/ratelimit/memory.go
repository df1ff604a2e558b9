package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// window is the per-client counter state. Guarded by its own mutex so two
// concurrent requests from the same client serialize on the counter, not on
// the whole cache.
type window struct {
	mu    sync.Mutex
	start int64 // unix seconds of the window start
	count int64
}

// windowCost approximates the memory footprint of a cached window entry for
// ristretto's cost-based eviction.
const windowCost = int64(unsafe.Sizeof(window{})) + 64

// defaultMaxCost caps the in-memory limiter at 64 MiB of window entries.
const defaultMaxCost = 64 << 20

// MemoryLimiter is a process-local fixed-window rate limiter. It serves
// standalone deployments without Redis and acts as the degraded-mode backend
// when Redis is unreachable. Counters are per-process, so during a Redis
// outage a multi-replica deployment enforces the ceiling per replica.
type MemoryLimiter struct {
	cache   *ristretto.Cache[string, *window]
	ceiling atomic.Int64
	window  time.Duration
}

// NewMemoryLimiter creates an in-memory fixed-window limiter. maxCost bounds
// the total memory spent on counters; 0 uses the 64 MiB default.
func NewMemoryLimiter(ceiling int64, windowDur time.Duration, maxCost int64) (*MemoryLimiter, error) {
	if windowDur <= 0 {
		windowDur = time.Minute
	}
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: maxCost / windowCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	m := &MemoryLimiter{
		cache:  cache,
		window: windowDur,
	}
	m.ceiling.Store(ceiling)
	return m, nil
}

// SetCeiling changes the window ceiling for subsequent checks.
func (m *MemoryLimiter) SetCeiling(ceiling int64) {
	m.ceiling.Store(ceiling)
}

// Allow counts the request for key in the current window. A ceiling of 0
// disables limiting.
func (m *MemoryLimiter) Allow(key string, now time.Time) *Result {
	start, end := windowBounds(now, m.window)

	ceiling := m.ceiling.Load()
	if ceiling <= 0 {
		return &Result{Allowed: true, Limit: 0, ResetAt: end}
	}

	w, ok := m.cache.Get(key)
	if !ok {
		w = &window{start: start.Unix()}
		m.cache.SetWithTTL(key, w, windowCost, m.window*2)
		// Ristretto admits writes asynchronously; wait so the very next
		// request from this client sees the counter.
		m.cache.Wait()
		if cached, ok := m.cache.Get(key); ok {
			w = cached
		}
	}

	w.mu.Lock()
	if w.start != start.Unix() {
		w.start = start.Unix()
		w.count = 0
	}
	w.count++
	count := w.count
	w.mu.Unlock()

	res := &Result{
		Allowed:   count <= ceiling,
		Count:     count,
		Remaining: max(0, ceiling-count),
		Limit:     ceiling,
		ResetAt:   end,
	}
	if !res.Allowed {
		res.RetryIn = end.Sub(now)
	}
	return res
}

// Close releases the underlying cache.
func (m *MemoryLimiter) Close() {
	m.cache.Close()
}
