package observability

import (
	"testing"
	"time"

	"github.com/danmuck/swbus/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()
	RecordHTTPRequest("rack1", "GET", "/health", 200, 12*time.Millisecond)
}

func TestBusMetricsCountersSnapshot(t *testing.T) {
	testlog.Start(t)
	a := NewBusMetrics("rack1")
	b := NewBusMetrics("rack2")
	a.Dropped(DropHopLimit)
	a.Dropped(DropHopLimit)
	a.DedupHit()
	a.SetPending(3)
	a.RequestDone("ok", 5*time.Millisecond)
	b.Delivered()

	got := a.Counters()
	if got["swbus_envelopes_dropped_total{reason=hop_limit}"] != 2 {
		t.Fatalf("unexpected dropped count: %v", got)
	}
	if got["swbus_dedup_hits_total"] != 1 || got["swbus_requests_pending"] != 3 {
		t.Fatalf("unexpected counters: %v", got)
	}
	if got["swbus_requests_latency_seconds_count"] != 1 {
		t.Fatalf("unexpected histogram count: %v", got)
	}
	if got["swbus_envelopes_delivered_total"] != 0 {
		t.Fatalf("node registries must be independent: %v", got)
	}
}
