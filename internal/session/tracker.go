// Package session maintains per-client transport state: request cadence,
// cipher history, and a decaying risk boost. The tracker is purely
// observational; nothing here blocks a request.
package session

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/fingerprint"
)

// cadenceWindow is the fixed window for the per-session request counter.
const cadenceWindow = time.Minute

// idleDecayAfter is the idle gap after which the risk boost decays.
const idleDecayAfter = 5 * time.Minute

// decayFactor is applied to the boost once per decayed request, before the
// request's own increments.
const decayFactor = 0.9

// Risk boost increments.
const (
	boostWeakCipher  = 0.15
	boostManyCiphers = 0.25

	// manyCiphersAbove is the cipher-history size beyond which the client
	// is assumed to be renegotiating rapidly.
	manyCiphersAbove = 10
)

// sessionIDRng is seeded once from crypto/rand. ChaCha8 avoids a syscall
// per session while staying unpredictable.
var sessionIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

var sessionIDMu sync.Mutex

// newSessionID returns a 16-hex-char identifier, stable for the lifetime of
// the IP's entry in the table.
func newSessionID() string {
	sessionIDMu.Lock()
	v := sessionIDRng.Uint64()
	sessionIDMu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return hex.EncodeToString(buf[:])
}

// entry is the mutable per-IP state. Guarded by its own mutex so concurrent
// requests from one client serialize here, not on the whole table.
type entry struct {
	mu sync.Mutex

	ip        string
	id        string
	createdAt time.Time

	total       int64 // monotonic request counter
	windowCount int64 // requests in the current cadence window
	windowStart time.Time
	lastSeen    time.Time

	fingerprint string
	ciphers     []string
	riskBoost   float64
}

// entryBaseCost approximates an entry's footprint for ristretto's cost
// accounting; the cipher history is charged separately on each refresh.
const entryBaseCost = int64(unsafe.Sizeof(entry{})) + 96

func (e *entry) cost() int64 {
	c := entryBaseCost
	for _, s := range e.ciphers {
		c += int64(len(s)) + 16
	}
	return c
}

// Snapshot is the immutable view handed to the risk engines and the admin
// connection listing.
type Snapshot struct {
	IP          string        `json:"ip"`
	ID          string        `json:"sessionId"`
	Count       int64         `json:"count"`
	Total       int64         `json:"total"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastSeen    time.Time     `json:"lastSeen"`
	Age         time.Duration `json:"-"`
	RiskBoost   float64       `json:"riskBoost"`
	Fingerprint string        `json:"fingerprint"`
	CipherCount int           `json:"cipherCount"`
}

// Tracker is the session table. Entries are evicted by TTL or memory
// pressure; eviction loses history only, never correctness.
type Tracker struct {
	cache      *ristretto.Cache[string, *entry]
	ttl        time.Duration
	maxCiphers int

	// index mirrors the cache for the admin listing; ristretto's OnEvict
	// keeps it in sync.
	index sync.Map // ip -> *entry

	closeOnce sync.Once
}

// NewTracker builds the session table from config.
func NewTracker(cfg config.SessionConfig) (*Tracker, error) {
	ttl := config.MustParseDuration(cfg.TTL, 30*time.Minute)

	maxCost := cfg.MaxCostBytes
	if maxCost <= 0 {
		maxCost = 32 << 20
	}

	maxCiphers := cfg.MaxCipherHistory
	if maxCiphers <= 0 {
		maxCiphers = 16
	}

	t := &Tracker{
		ttl:        ttl,
		maxCiphers: maxCiphers,
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *entry]{
		NumCounters: maxCost / entryBaseCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[*entry]) {
			if item.Value != nil {
				t.index.Delete(item.Value.ip)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	t.cache = cache
	return t, nil
}

// Record updates the state for ip with the request's fingerprint and returns
// a snapshot taken under the entry lock.
func (t *Tracker) Record(ip string, fp fingerprint.Fingerprint, now time.Time) Snapshot {
	e, ok := t.cache.Get(ip)
	if !ok {
		e = &entry{
			ip:          ip,
			id:          newSessionID(),
			createdAt:   now,
			windowStart: now.Truncate(cadenceWindow),
		}
		t.cache.SetWithTTL(ip, e, e.cost(), t.ttl)
		// Admit synchronously so the next request from this client sees
		// the same session.
		t.cache.Wait()
		if cached, ok := t.cache.Get(ip); ok {
			e = cached
		}
		t.index.Store(e.ip, e)
	}

	e.mu.Lock()

	// Decay runs before this request's increments.
	if !e.lastSeen.IsZero() && now.Sub(e.lastSeen) > idleDecayAfter {
		e.riskBoost *= decayFactor
	}

	windowStart := now.Truncate(cadenceWindow)
	if windowStart.After(e.windowStart) {
		e.windowStart = windowStart
		e.windowCount = 0
	}
	e.windowCount++
	e.total++
	e.lastSeen = now
	e.fingerprint = fp.Composite

	t.recordCipherLocked(e, fp.Cipher)

	if fingerprint.WeakCipher(fp.Cipher) {
		e.riskBoost += boostWeakCipher
	}
	if len(e.ciphers) > manyCiphersAbove {
		e.riskBoost += boostManyCiphers
	}
	e.riskBoost = min(e.riskBoost, 1.0)

	snap := e.snapshotLocked(now)
	e.mu.Unlock()

	// Refresh the TTL and the cost for the grown cipher history.
	t.cache.SetWithTTL(ip, e, e.cost(), t.ttl)

	return snap
}

// recordCipherLocked appends the cipher to the deduplicated history, capped
// at maxCiphers.
func (t *Tracker) recordCipherLocked(e *entry, cipher string) {
	if cipher == "" {
		return
	}
	for _, c := range e.ciphers {
		if c == cipher {
			return
		}
	}
	if len(e.ciphers) < t.maxCiphers {
		e.ciphers = append(e.ciphers, cipher)
	}
}

func (e *entry) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		IP:          e.ip,
		ID:          e.id,
		Count:       e.windowCount,
		Total:       e.total,
		CreatedAt:   e.createdAt,
		LastSeen:    e.lastSeen,
		Age:         now.Sub(e.createdAt),
		RiskBoost:   e.riskBoost,
		Fingerprint: e.fingerprint,
		CipherCount: len(e.ciphers),
	}
}

// List returns a snapshot of every live session, in no particular order.
// Serves the admin connections endpoint.
func (t *Tracker) List(now time.Time) []Snapshot {
	var out []Snapshot
	t.index.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.snapshotLocked(now))
		e.mu.Unlock()
		return true
	})
	return out
}

// Len reports the number of live sessions in the listing index.
func (t *Tracker) Len() int {
	n := 0
	t.index.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Close releases the underlying cache. Idempotent.
func (t *Tracker) Close() {
	t.closeOnce.Do(t.cache.Close)
}
