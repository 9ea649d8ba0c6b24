package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/ledger"
)

// Collector keeps an in-memory view of service activity that can be served
// as JSON.
type Collector struct {
	// Request counts by route
	requestCounts   map[string]*uint64
	requestCountsMu sync.RWMutex

	// Request latencies by route
	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	// Ledger operation outcomes keyed "operation/outcome"
	operations   map[string]*uint64
	operationsMu sync.RWMutex

	eventFailures atomic.Uint64

	stateMu     sync.RWMutex
	totalLocked string
	totalMinted string
	stakers     int
	lastPrice   *PriceSnapshot

	startTime time.Time
}

// LatencyHistogram tracks request latencies in buckets
type LatencyHistogram struct {
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // nanoseconds
	count   uint64
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestCounts: make(map[string]*uint64),
		latencies:     make(map[string]*LatencyHistogram),
		operations:    make(map[string]*uint64),
		totalLocked:   "0",
		totalMinted:   "0",
		startTime:     time.Now(),
	}
}

func increment(mu *sync.RWMutex, m map[string]*uint64, key string) {
	mu.Lock()
	counter, exists := m[key]
	if !exists {
		var val uint64
		counter = &val
		m[key] = counter
	}
	mu.Unlock()

	atomic.AddUint64(counter, 1)
}

func snapshot(mu *sync.RWMutex, m map[string]*uint64) map[string]uint64 {
	out := make(map[string]uint64)
	mu.RLock()
	for k, counter := range m {
		out[k] = atomic.LoadUint64(counter)
	}
	mu.RUnlock()
	return out
}

// RecordRequest counts a request for route.
func (c *Collector) RecordRequest(route string) {
	increment(&c.requestCountsMu, c.requestCounts, route)
}

// RecordLatency records the latency for a request
func (c *Collector) RecordLatency(route string, duration time.Duration) {
	c.latenciesMu.Lock()
	hist, exists := c.latencies[route]
	if !exists {
		hist = &LatencyHistogram{}
		c.latencies[route] = hist
	}
	c.latenciesMu.Unlock()

	hist.Record(duration)
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()
	bucketIdx := len(bucketBoundaries)
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// RecordOperation counts a finished ledger operation.
func (c *Collector) RecordOperation(op, outcome string) {
	increment(&c.operationsMu, c.operations, op+"/"+outcome)
}

// RecordEventFailure counts an event that a sink failed to accept.
func (c *Collector) RecordEventFailure() {
	c.eventFailures.Add(1)
}

// SetTotals stores the ledger aggregates.
func (c *Collector) SetTotals(locked, minted *uint256.Int, stakers int) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.totalLocked = locked.Dec()
	c.totalMinted = minted.Dec()
	c.stakers = stakers
}

// SetPrice stores the most recent accepted oracle price.
func (c *Collector) SetPrice(p ledger.Price) {
	snap := &PriceSnapshot{Decimals: p.Decimals, UpdatedAt: p.UpdatedAt}
	if p.Answer != nil {
		snap.Answer = p.Answer.Dec()
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.lastPrice = snap
}

// PriceSnapshot is the last price the ledger used.
type PriceSnapshot struct {
	Answer    string    `json:"answer"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime           string                  `json:"uptime"`
	UptimeSeconds    float64                 `json:"uptime_seconds"`
	RequestCounts    map[string]uint64       `json:"request_counts"`
	RequestLatencies map[string]LatencyStats `json:"request_latencies"`
	Operations       map[string]uint64       `json:"operations"`
	EventFailures    uint64                  `json:"event_failures"`
	TotalLocked      string                  `json:"total_locked"`
	TotalMinted      string                  `json:"total_minted"`
	Stakers          int                     `json:"stakers"`
	LastPrice        *PriceSnapshot          `json:"last_price,omitempty"`
	CollectedAt      time.Time               `json:"collected_at"`
}

// LatencyStats contains latency statistics for a route
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	c.stateMu.RLock()
	uptime := time.Since(c.startTime)
	c.stateMu.RUnlock()

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for route, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = float64(hist.sum) / float64(hist.count) / float64(time.Millisecond)
		}
		for i, count := range hist.buckets {
			if count > 0 {
				stats.Buckets[bucketLabels[i]] = count
			}
		}
		hist.mu.Unlock()
		latencies[route] = stats
	}
	c.latenciesMu.RUnlock()

	m := &Metrics{
		Uptime:           uptime.Round(time.Second).String(),
		UptimeSeconds:    uptime.Seconds(),
		RequestCounts:    snapshot(&c.requestCountsMu, c.requestCounts),
		RequestLatencies: latencies,
		Operations:       snapshot(&c.operationsMu, c.operations),
		EventFailures:    c.eventFailures.Load(),
		CollectedAt:      time.Now(),
	}

	c.stateMu.RLock()
	m.TotalLocked = c.totalLocked
	m.TotalMinted = c.totalMinted
	m.Stakers = c.stakers
	if c.lastPrice != nil {
		p := *c.lastPrice
		m.LastPrice = &p
	}
	c.stateMu.RUnlock()

	return m
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.requestCountsMu.Lock()
	clear(c.requestCounts)
	c.requestCountsMu.Unlock()

	c.latenciesMu.Lock()
	clear(c.latencies)
	c.latenciesMu.Unlock()

	c.operationsMu.Lock()
	clear(c.operations)
	c.operationsMu.Unlock()

	c.eventFailures.Store(0)

	c.stateMu.Lock()
	c.totalLocked = "0"
	c.totalMinted = "0"
	c.stakers = 0
	c.lastPrice = nil
	c.startTime = time.Now()
	c.stateMu.Unlock()
}
