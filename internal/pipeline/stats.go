package pipeline

import "sync/atomic"

// Stats tracks pipeline counters. All fields are updated atomically.
type Stats struct {
	totalRequests int64
	blocked       int64
	approved      int64
	degraded      int64
	providerFails int64
	scanNanos     int64
}

// Snapshot is a point-in-time copy of the counters for /stats.
type Snapshot struct {
	TotalRequests  int64   `json:"total_requests"`
	Blocked        int64   `json:"blocked"`
	Approved       int64   `json:"approved"`
	Degraded       int64   `json:"degraded"`
	ProviderErrors int64   `json:"provider_errors"`
	AvgScanMS      float64 `json:"avg_scan_ms"`
}

func (s *Stats) record(blocked, degraded bool, scanNanos int64) {
	atomic.AddInt64(&s.totalRequests, 1)
	if blocked {
		atomic.AddInt64(&s.blocked, 1)
	} else {
		atomic.AddInt64(&s.approved, 1)
	}
	if degraded {
		atomic.AddInt64(&s.degraded, 1)
	}
	atomic.AddInt64(&s.scanNanos, scanNanos)
}

func (s *Stats) recordProviderFailure() {
	atomic.AddInt64(&s.providerFails, 1)
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	total := atomic.LoadInt64(&s.totalRequests)
	snap := Snapshot{
		TotalRequests:  total,
		Blocked:        atomic.LoadInt64(&s.blocked),
		Approved:       atomic.LoadInt64(&s.approved),
		Degraded:       atomic.LoadInt64(&s.degraded),
		ProviderErrors: atomic.LoadInt64(&s.providerFails),
	}
	if total > 0 {
		snap.AvgScanMS = float64(atomic.LoadInt64(&s.scanNanos)) / float64(total) / 1e6
	}
	return snap
}
