package metrics

import (
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/oracle"
)

var (
	_ ledger.Recorder = (*PrometheusCollector)(nil)
	_ oracle.Observer = (*PrometheusCollector)(nil)
)

func TestPrometheusRecordRequest(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	pc.RecordRequest("/v1/stake")
	pc.RecordRequest("/v1/stake")
	pc.RecordRequest("/v1/price")

	if c.GetMetrics().RequestCounts["/v1/stake"] != 2 {
		t.Error("custom collector not updated")
	}
	if got := getCounterValue(t, pc.requestCount, "/v1/stake"); got != 2 {
		t.Errorf("expected counter 2, got %f", got)
	}
	if got := getCounterValue(t, pc.requestCount, "/v1/price"); got != 1 {
		t.Errorf("expected counter 1, got %f", got)
	}
}

func TestPrometheusRecordLatency(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	pc.RecordLatency("/v1/stake", 10*time.Millisecond)
	pc.RecordLatency("/v1/stake", 50*time.Millisecond)

	observer := pc.requestDuration.WithLabelValues("/v1/stake")
	metric := &dto.Metric{}
	if err := observer.(prometheus.Metric).Write(metric); err != nil {
		t.Fatalf("failed to read prometheus metric: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("expected 2 samples, got %d", metric.GetHistogram().GetSampleCount())
	}
}

func TestPrometheusRecordOperation(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	pc.RecordOperation("stake", "ok", 20*time.Millisecond)
	pc.RecordOperation("stake", "oracle_unavailable", time.Second)

	if got := testutil.ToFloat64(pc.operations.WithLabelValues("stake", "ok")); got != 1 {
		t.Errorf("stake/ok = %f", got)
	}
	if got := testutil.ToFloat64(pc.operations.WithLabelValues("stake", "oracle_unavailable")); got != 1 {
		t.Errorf("stake/oracle_unavailable = %f", got)
	}
	if got := testutil.CollectAndCount(pc.operationDuration); got != 1 {
		t.Errorf("expected one duration series, got %d", got)
	}
}

func TestPrometheusRecordTotals(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	locked, _ := uint256.FromDecimal("2000000000000000000")
	pc.RecordTotals(locked, uint256.NewInt(6000), 3)

	if got := getGaugeValue(t, pc.totalLocked); got != 2e18 {
		t.Errorf("total locked = %g", got)
	}
	if got := getGaugeValue(t, pc.totalMinted); got != 6000 {
		t.Errorf("total minted = %g", got)
	}
	if got := getGaugeValue(t, pc.stakers); got != 3 {
		t.Errorf("stakers = %g", got)
	}
	if pc.GetMetrics().Stakers != 3 {
		t.Error("custom collector not updated")
	}
}

func TestPrometheusRecordPrice(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	pc.RecordPrice(ledger.Price{
		Answer:    uint256.NewInt(300012345678),
		Decimals:  8,
		RoundID:   big.NewInt(1),
		UpdatedAt: time.Unix(1700000000, 0),
	})

	got := getGaugeValue(t, pc.price)
	if got < 3000.12 || got > 3000.13 {
		t.Errorf("price = %f, want about 3000.12345678", got)
	}
	if got := getGaugeValue(t, pc.priceUpdatedAt); got != 1700000000 {
		t.Errorf("updated at = %f", got)
	}
}

func TestPrometheusOracleAndEvents(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())

	pc.ObserveOracleCall("ok", 5*time.Millisecond)
	pc.ObserveOracleCall("stale_price", 5*time.Millisecond)
	pc.RecordEventFailure(ledger.EventStaked)

	if got := testutil.ToFloat64(pc.oracleCalls.WithLabelValues("stale_price")); got != 1 {
		t.Errorf("stale_price calls = %f", got)
	}
	if got := testutil.ToFloat64(pc.eventFailures.WithLabelValues(ledger.EventStaked)); got != 1 {
		t.Errorf("event failures = %f", got)
	}
	if pc.GetMetrics().EventFailures != 1 {
		t.Error("custom collector not updated")
	}
}

func TestToFloat(t *testing.T) {
	if toFloat(nil, 8) != 0 {
		t.Error("nil should convert to zero")
	}
	if got := toFloat(uint256.NewInt(150), 2); got != 1.5 {
		t.Errorf("toFloat(150, 2) = %f", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())
	pc.RecordRequest("/v1/info")
	pc.RecordOperation("withdraw", "ok", time.Millisecond)

	srv := httptest.NewServer(pc.PrometheusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`usdstake_http_requests_total{route="/v1/info"} 1`,
		`usdstake_operations_total{operation="withdraw",outcome="ok"} 1`,
		"usdstake_uptime_seconds",
		"usdstake_goroutine_count",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("response missing %q", want)
		}
	}
}

func TestPrometheusCollectorReturnsUnderlying(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)
	if pc.Collector() != c {
		t.Error("expected the wrapped collector")
	}
	if pc.Registry() == nil {
		t.Error("expected a registry")
	}
}

func getCounterValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := cv.WithLabelValues(label).(prometheus.Metric).Write(metric); err != nil {
		t.Fatalf("failed to read counter metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("failed to read gauge metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}
