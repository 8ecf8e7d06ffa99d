package monitor

import (
	"time"
)

// Sample is one observation of a strategy serving a request.
type Sample struct {
	StrategyID string        `json:"strategy_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Latency    time.Duration `json:"latency"`
	Success    bool          `json:"success"`
	// ResourceUsage is a normalized 0.0-1.0 load figure reported by the
	// serving path.
	ResourceUsage float64 `json:"resource_usage"`
}

// ring is a fixed-capacity ring buffer of samples. Append is O(1) and
// evicts the oldest entry once full; the buffer never exceeds capacity.
// One writer (the ingest path) appends; readers take snapshots under the
// owning monitor's lock and tolerate slight staleness.
type ring struct {
	buf   []Sample
	head  int // next write position
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) append(s Sample) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the samples in arrival order, oldest first. Order
// within a strategy matters for percentile and breach-episode handling.
func (r *ring) snapshot() []Sample {
	out := make([]Sample, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// len returns the number of stored samples.
func (r *ring) len() int {
	return r.count
}

// dropOlderThan evicts samples older than cutoff. Used by GC's metrics
// retention sweep, not by the hot path.
func (r *ring) dropOlderThan(cutoff time.Time) int {
	kept := make([]Sample, 0, r.count)
	for _, s := range r.snapshot() {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	dropped := r.count - len(kept)
	r.head = 0
	r.count = 0
	for i := range r.buf {
		r.buf[i] = Sample{}
	}
	for _, s := range kept {
		r.append(s)
	}
	return dropped
}
