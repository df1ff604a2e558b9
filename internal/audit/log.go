// Package audit implements the tamper-evident decision log: an append-only,
// hash-chained sequence of records with integrity verification, SIEM export,
// and an optional asynchronous shipper.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spaceavenue/ngfw/internal/decision"
	"github.com/spaceavenue/ngfw/internal/observability"
)

// GenesisHash anchors the chain: the prevHash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Entry event types. Every request produces a decision entry; requests that
// reach the backend produce a second, linked completion entry carrying the
// final HTTP status. Entries are never patched in place.
const (
	EventDecision   = "decision"
	EventCompletion = "completion"
)

// Entry is one appended record. Immutable once appended.
type Entry struct {
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"` // RFC 3339, UTC
	EventType string `json:"eventType"`
	RequestID string `json:"requestId,omitempty"`

	ClientIP    string `json:"clientIp"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	SessionID   string `json:"sessionId,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	RuleRisk      float64  `json:"ruleRisk"`
	TransportRisk float64  `json:"transportRisk"`
	MLRisk        float64  `json:"mlRisk"`
	FinalRisk     float64  `json:"finalRisk"`
	Label         string   `json:"label"`
	MLLabel       string   `json:"mlLabel,omitempty"`
	Allowed       bool     `json:"allowed"`
	BlockReason   string   `json:"blockReason,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`

	// StatusCode is set on completion entries only; RelatedSeq links a
	// completion back to its decision entry.
	StatusCode int    `json:"statusCode,omitempty"`
	RelatedSeq *int64 `json:"relatedSeq,omitempty"`

	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// Record is the decision-time payload; the log assigns sequence, timestamp,
// and chain linkage.
type Record struct {
	RequestID   string
	ClientIP    string
	Method      string
	Path        string
	UserID      string
	Role        string
	SessionID   string
	Fingerprint string
	Decision    decision.Decision
}

// VerifyResult reports chain integrity. BrokenAt is the sequence of the
// first divergent entry, -1 when the chain is intact.
type VerifyResult struct {
	Valid    bool  `json:"valid"`
	BrokenAt int64 `json:"brokenAt,omitempty"`
	Length   int   `json:"length"`
}

// Log is the in-memory chain. A single mutex serializes sequence assignment
// and hash linkage across all concurrent appenders; do not shard.
type Log struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	entries    []Entry
	lastHash   string
	maxEntries int
	capWarned  bool

	now func() time.Time
}

// NewLog creates an empty chain. maxEntries > 0 logs a warning when the
// chain outgrows it; appends are never refused, since dropping entries
// would sever the chain from genesis.
func NewLog(maxEntries int, logger *slog.Logger, metrics *observability.Metrics) *Log {
	return &Log{
		logger:     logger.With("component", "audit"),
		metrics:    metrics,
		lastHash:   GenesisHash,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// AppendDecision appends the decision entry for a request and returns its
// sequence for later completion linkage.
func (l *Log) AppendDecision(rec Record) int64 {
	d := rec.Decision
	e := Entry{
		EventType:     EventDecision,
		RequestID:     rec.RequestID,
		ClientIP:      rec.ClientIP,
		Method:        rec.Method,
		Path:          rec.Path,
		UserID:        rec.UserID,
		Role:          rec.Role,
		SessionID:     rec.SessionID,
		Fingerprint:   rec.Fingerprint,
		RuleRisk:      d.RuleRisk,
		TransportRisk: d.TransportRisk,
		MLRisk:        d.MLRisk,
		FinalRisk:     d.FinalRisk,
		Label:         d.Label,
		MLLabel:       d.MLLabel,
		Allowed:       d.Allowed,
		BlockReason:   d.BlockReason,
		Reasons:       d.Reasons,
	}
	return l.append(e)
}

// AppendCompletion appends the completion entry linked to a decision entry.
// label overrides the decision label when the forward itself failed
// (gateway_error); pass "" to keep the decision's label.
func (l *Log) AppendCompletion(decisionSeq int64, statusCode int, label string) int64 {
	l.mu.Lock()
	var base Entry
	if decisionSeq >= 0 && decisionSeq < int64(len(l.entries)) {
		base = l.entries[decisionSeq]
	}
	l.mu.Unlock()

	e := Entry{
		EventType:     EventCompletion,
		RequestID:     base.RequestID,
		ClientIP:      base.ClientIP,
		Method:        base.Method,
		Path:          base.Path,
		UserID:        base.UserID,
		Role:          base.Role,
		SessionID:     base.SessionID,
		Fingerprint:   base.Fingerprint,
		RuleRisk:      base.RuleRisk,
		TransportRisk: base.TransportRisk,
		MLRisk:        base.MLRisk,
		FinalRisk:     base.FinalRisk,
		Label:         base.Label,
		MLLabel:       base.MLLabel,
		Allowed:       base.Allowed,
		BlockReason:   base.BlockReason,
		StatusCode:    statusCode,
		RelatedSeq:    &decisionSeq,
	}
	if label != "" {
		e.Label = label
	}
	return l.append(e)
}

// append assigns sequence, timestamp, and chain linkage under the writer
// lock, then stores the entry.
func (l *Log) append(e Entry) int64 {
	l.mu.Lock()

	e.Seq = int64(len(l.entries))
	e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	e.PrevHash = l.lastHash
	e.Hash = entryHash(e)

	l.entries = append(l.entries, e)
	l.lastHash = e.Hash

	warn := l.maxEntries > 0 && len(l.entries) > l.maxEntries && !l.capWarned
	if warn {
		l.capWarned = true
	}
	length := len(l.entries)
	l.mu.Unlock()

	l.metrics.SetChainLength(length)
	if warn {
		l.logger.Warn("audit chain exceeded configured max_entries; appends continue to preserve chain integrity",
			"max_entries", l.maxEntries)
	}

	return e.Seq
}

// entryHash computes SHA-256(json(entry without hash) || prevHash).
func entryHash(e Entry) string {
	e.Hash = ""
	body, err := json.Marshal(e)
	if err != nil {
		// Entry is a plain struct; Marshal cannot fail on it. Keep the
		// chain deterministic anyway.
		body = []byte("{}")
	}

	h := sha256.New()
	h.Write(body)
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Entries returns a copy of the chain in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Entry returns one entry by sequence.
func (l *Log) Entry(seq int64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < 0 || seq >= int64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[seq], true
}

// Len reports the chain length.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Verify walks the chain from genesis, recomputing every hash and checking
// the linkage to the previous entry. The first divergence invalidates the
// whole chain.
func (l *Log) Verify() VerifyResult {
	entries := l.Entries()

	prev := GenesisHash
	for _, e := range entries {
		if e.PrevHash != prev || entryHash(e) != e.Hash {
			return VerifyResult{Valid: false, BrokenAt: e.Seq, Length: len(entries)}
		}
		prev = e.Hash
	}
	return VerifyResult{Valid: true, BrokenAt: -1, Length: len(entries)}
}

// tamper replaces an entry in place. Test hook for verification coverage;
// nothing in the serving path calls this.
func (l *Log) tamper(seq int64, mutate func(*Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq >= 0 && seq < int64(len(l.entries)) {
		mutate(&l.entries[seq])
	}
}
