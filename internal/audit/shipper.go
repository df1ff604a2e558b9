package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/spaceavenue/ngfw/internal/config"
)

// Shipper asynchronously delivers normalized audit records to an external
// SIEM webhook. Batched, buffered, fire-and-forget: when the ring buffer is
// full the oldest record is dropped, and the request hot path never blocks
// on delivery.
type Shipper struct {
	logger   *slog.Logger
	exporter *Exporter

	url        string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []SIEMRecord
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int
	dropped  int64

	flushCh   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewShipper creates the shipper, or nil when SIEM delivery is disabled.
func NewShipper(cfg config.SIEMConfig, exporter *Exporter, logger *slog.Logger) *Shipper {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	flushInterval := config.MustParseDuration(cfg.FlushInterval, 2*time.Second)

	s := &Shipper{
		logger:        logger.With("component", "siem"),
		exporter:      exporter,
		url:           cfg.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]SIEMRecord, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Ship enqueues one entry. Never blocks; drops the oldest record when the
// buffer is full. Safe to call on a nil shipper.
func (s *Shipper) Ship(e Entry) {
	if s == nil {
		return
	}

	rec := s.exporter.Normalize(e)

	s.ringMu.Lock()
	s.ring[s.ringTail] = rec
	s.ringTail = (s.ringTail + 1) % s.bufferSize
	if s.ringLen == s.bufferSize {
		s.ringHead = (s.ringHead + 1) % s.bufferSize
		s.dropped++
	} else {
		s.ringLen++
	}
	shouldFlush := s.ringLen >= s.batchSize
	s.ringMu.Unlock()

	if shouldFlush {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining records and stops the flush loop. Safe on nil,
// idempotent.
func (s *Shipper) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.flush()
	})
	return nil
}

func (s *Shipper) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		}
	}
}

func (s *Shipper) flush() {
	for {
		batch, dropped := s.drain()
		if dropped > 0 {
			s.logger.Warn("siem buffer overflowed, oldest records dropped", "dropped", dropped)
		}
		if len(batch) == 0 {
			return
		}
		s.send(batch)
	}
}

func (s *Shipper) drain() (batch []SIEMRecord, dropped int64) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	dropped = s.dropped
	s.dropped = 0

	if s.ringLen == 0 {
		return nil, dropped
	}

	n := min(s.ringLen, s.batchSize)
	batch = make([]SIEMRecord, n)
	for i := range n {
		batch[i] = s.ring[(s.ringHead+i)%s.bufferSize]
	}
	s.ringHead = (s.ringHead + n) % s.bufferSize
	s.ringLen -= n
	return batch, dropped
}

func (s *Shipper) send(batch []SIEMRecord) {
	payload := struct {
		Records []SIEMRecord `json:"records"`
	}{Records: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal siem batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to build siem request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("failed to ship siem batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		s.logger.Warn("siem receiver returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}
