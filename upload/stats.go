package upload

import (
	"context"
	"sync"
	"time"
)

// Stats tracks chunk transfer durations for hung detection and reporting.
type Stats struct {
	mu             sync.Mutex
	sum            time.Duration
	finishedChunks int64
	bytes          int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk transfer.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
	s.bytes += size
}

// Average returns the average transfer duration of finished chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of finished chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Bytes returns the number of bytes in finished chunks.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// hungDetector cancels an exchange running longer than the average chunk time
// plus threshold.
type hungDetector struct {
	stats     *Stats
	threshold time.Duration
	interval  time.Duration
}

// watch blocks until ctx is done or the exchange started at start is hung, in
// which case it calls onHung.
func (d hungDetector) watch(ctx context.Context, start time.Time, onHung func(elapsed, avg time.Duration)) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := d.stats.Average()
			if elapsed-avg > d.threshold {
				onHung(elapsed, avg)
				return
			}
		}
	}
}
