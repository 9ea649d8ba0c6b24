package metrics

import (
	"math"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moltbunker/usdstake/internal/ledger"
)

const namespace = "usdstake"

// PrometheusCollector wraps a Collector and mirrors its metrics into
// Prometheus format. It satisfies ledger.Recorder and oracle.Observer.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	totalLocked prometheus.Gauge
	totalMinted prometheus.Gauge
	stakers     prometheus.Gauge

	price          prometheus.Gauge
	priceUpdatedAt prometheus.Gauge
	oracleCalls    *prometheus.CounterVec
	oracleDuration prometheus.Histogram

	eventFailures *prometheus.CounterVec

	goroutineCount prometheus.Gauge
	uptimeSeconds  prometheus.Gauge
}

// NewPrometheusCollector creates a PrometheusCollector around c with its own
// registry, leaving the global registry untouched.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	latencyBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5}

	p := &PrometheusCollector{
		collector: c,
		registry:  prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests by route.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   latencyBuckets,
		}, []string{"route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency, external calls included.",
			Buckets:   latencyBuckets,
		}, []string{"operation"}),
		totalLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_locked_wei",
			Help:      "Collateral currently locked across all accounts.",
		}),
		totalMinted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_minted_units",
			Help:      "Reward tokens outstanding against active stakes.",
		}),
		stakers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stakers",
			Help:      "Number of accounts with an active stake.",
		}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_price",
			Help:      "Last accepted collateral price, scaled by the feed decimals.",
		}),
		priceUpdatedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_price_updated_timestamp_seconds",
			Help:      "Update time of the last accepted price round.",
		}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Oracle reads by outcome.",
		}, []string{"outcome"}),
		oracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_call_duration_seconds",
			Help:      "Oracle read latency, retries included.",
			Buckets:   latencyBuckets,
		}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_failures_total",
			Help:      "Events a sink failed to accept.",
		}, []string{"event"}),
		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the service started in seconds.",
		}),
	}

	p.registry.MustRegister(
		p.requestCount,
		p.requestDuration,
		p.operations,
		p.operationDuration,
		p.totalLocked,
		p.totalMinted,
		p.stakers,
		p.price,
		p.priceUpdatedAt,
		p.oracleCalls,
		p.oracleDuration,
		p.eventFailures,
		p.goroutineCount,
		p.uptimeSeconds,
	)
	return p
}

// Registry returns the Prometheus registry used by this collector.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RecordRequest counts an API request.
func (p *PrometheusCollector) RecordRequest(route string) {
	p.collector.RecordRequest(route)
	p.requestCount.WithLabelValues(route).Inc()
}

// RecordLatency records API request latency.
func (p *PrometheusCollector) RecordLatency(route string, duration time.Duration) {
	p.collector.RecordLatency(route, duration)
	p.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordOperation(op, outcome string, d time.Duration) {
	p.collector.RecordOperation(op, outcome)
	p.operations.WithLabelValues(op, outcome).Inc()
	p.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordTotals(locked, minted *uint256.Int, stakers int) {
	p.collector.SetTotals(locked, minted, stakers)
	p.totalLocked.Set(toFloat(locked, 0))
	p.totalMinted.Set(toFloat(minted, 0))
	p.stakers.Set(float64(stakers))
}

func (p *PrometheusCollector) RecordPrice(price ledger.Price) {
	p.collector.SetPrice(price)
	p.price.Set(toFloat(price.Answer, price.Decimals))
	p.priceUpdatedAt.Set(float64(price.UpdatedAt.Unix()))
}

func (p *PrometheusCollector) RecordEventFailure(eventType string) {
	p.collector.RecordEventFailure()
	p.eventFailures.WithLabelValues(eventType).Inc()
}

func (p *PrometheusCollector) ObserveOracleCall(outcome string, d time.Duration) {
	p.oracleCalls.WithLabelValues(outcome).Inc()
	p.oracleDuration.Observe(d.Seconds())
}

// toFloat converts x / 10^decimals for display. Precision loss is fine for
// gauges.
func toFloat(x *uint256.Int, decimals uint8) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	if decimals > 0 {
		f /= math.Pow10(int(decimals))
	}
	return f
}

// Sync refreshes gauges that are derived at scrape time.
func (p *PrometheusCollector) Sync() {
	m := p.collector.GetMetrics()
	p.uptimeSeconds.Set(m.UptimeSeconds)
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// GetMetrics returns the JSON metrics from the underlying Collector.
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// GetMetricsJSON returns JSON-encoded metrics from the underlying Collector.
func (p *PrometheusCollector) GetMetricsJSON() ([]byte, error) {
	return p.collector.GetMetricsJSON()
}

// Collector returns the underlying custom Collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler serves the registry in the text exposition format,
// syncing derived gauges before each scrape.
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	h := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		h.ServeHTTP(w, r)
	})
}
