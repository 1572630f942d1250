package observability

import (
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("p1", "GET", "/health", 200, 12*time.Millisecond)
	RecordBridgeRequest("p1", "info", "ok", 3*time.Millisecond)
	RecordBridgeAuthFailure("p1", "token")

	if got := testutil.ToFloat64(bridgeAuthFailures.WithLabelValues("p1", "token")); got < 1 {
		t.Fatalf("auth failure not counted: %v", got)
	}
	if n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "peerctl_bridge_requests_total"); err != nil || n == 0 {
		t.Fatalf("bridge requests not gathered: n=%d err=%v", n, err)
	}
}

func TestBridgeSessionGauge(t *testing.T) {
	testlog.Start(t)
	gauge := bridgeSessions.WithLabelValues("gauge-test")
	before := testutil.ToFloat64(gauge)
	done := BridgeSessionOpened("gauge-test")
	if got := testutil.ToFloat64(gauge); got != before+1 {
		t.Fatalf("gauge = %v want %v", got, before+1)
	}
	done()
	if got := testutil.ToFloat64(gauge); got != before {
		t.Fatalf("gauge = %v want %v", got, before)
	}
}
