package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks controller activity and latencies.
type Metrics struct {
	// Counters
	signals       uint64
	entries       uint64
	entryFailures uint64
	realized      uint64
	stopMoves     uint64
	repairs       uint64
	apiRequests   uint64
	apiErrors     uint64

	// Latency histograms
	OrderLatency *LatencyHistogram
	APILatency   *LatencyHistogram

	startedAt time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		OrderLatency: NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		startedAt:    time.Now(),
	}
}

func (m *Metrics) IncrementSignals()       { atomic.AddUint64(&m.signals, 1) }
func (m *Metrics) IncrementEntries()       { atomic.AddUint64(&m.entries, 1) }
func (m *Metrics) IncrementEntryFailures() { atomic.AddUint64(&m.entryFailures, 1) }
func (m *Metrics) IncrementRealized()      { atomic.AddUint64(&m.realized, 1) }
func (m *Metrics) IncrementStopMoves()     { atomic.AddUint64(&m.stopMoves, 1) }
func (m *Metrics) IncrementRepairs()       { atomic.AddUint64(&m.repairs, 1) }
func (m *Metrics) AddRepairs(n uint64)     { atomic.AddUint64(&m.repairs, n) }
func (m *Metrics) IncrementAPI()           { atomic.AddUint64(&m.apiRequests, 1) }
func (m *Metrics) IncrementAPIErrors()     { atomic.AddUint64(&m.apiErrors, 1) }

// Snapshot is the point-in-time metrics view served by the ops API.
type Snapshot struct {
	UptimeSeconds float64      `json:"uptime_seconds"`
	Signals       uint64       `json:"signals"`
	Entries       uint64       `json:"entries"`
	EntryFailures uint64       `json:"entry_failures"`
	Realized      uint64       `json:"realized"`
	StopMoves     uint64       `json:"stop_moves"`
	Repairs       uint64       `json:"repairs"`
	APIRequests   uint64       `json:"api_requests"`
	APIErrors     uint64       `json:"api_errors"`
	Goroutines    int          `json:"goroutines"`
	OrderLatency  LatencyStats `json:"order_latency_ms"`
	APILatency    LatencyStats `json:"api_latency_ms"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
		Signals:       atomic.LoadUint64(&m.signals),
		Entries:       atomic.LoadUint64(&m.entries),
		EntryFailures: atomic.LoadUint64(&m.entryFailures),
		Realized:      atomic.LoadUint64(&m.realized),
		StopMoves:     atomic.LoadUint64(&m.stopMoves),
		Repairs:       atomic.LoadUint64(&m.repairs),
		APIRequests:   atomic.LoadUint64(&m.apiRequests),
		APIErrors:     atomic.LoadUint64(&m.apiErrors),
		Goroutines:    runtime.NumGoroutine(),
		OrderLatency:  m.OrderLatency.Stats(),
		APILatency:    m.APILatency.Stats(),
	}
}

// LatencyHistogram tracks latency samples over a sliding window, with
// lazily recomputed percentiles.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg and percentiles, recomputing only when
// samples have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	p95 := int(float64(n) * 0.95)
	p99 := int(float64(n) * 0.99)
	if p95 >= n {
		p95 = n - 1
	}
	if p99 >= n {
		p99 = n - 1
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[p95],
		P99:   sorted[p99],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}
