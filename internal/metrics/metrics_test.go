package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/twinstack/loom/internal/fusion"
	"github.com/twinstack/loom/internal/queue"
	pebblestore "github.com/twinstack/loom/internal/storage/pebble"
)

// the hook interfaces must all be satisfied by one Metrics value
var (
	_ fusion.Metrics          = (*Metrics)(nil)
	_ queue.Metrics           = (*Metrics)(nil)
	_ pebblestore.MetricsHook = (*Metrics)(nil)
)

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.RunCompleted("weather", 100*time.Millisecond)
	m.RunSkipped("weather")
	m.RunFailed("weather")
	m.TickSkipped("weather")
	m.JobEnqueued("runs")
	m.JobCompleted("runs", time.Millisecond)
	m.JobRetried("runs")
	m.JobFailed("runs")

	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("weather")); got != 1 {
		t.Fatalf("runs completed = %v", got)
	}
	if got := testutil.ToFloat64(m.jobsRetried.WithLabelValues("runs")); got != 1 {
		t.Fatalf("jobs retried = %v", got)
	}
	if got := testutil.ToFloat64(m.ticksSkipped.WithLabelValues("weather")); got != 1 {
		t.Fatalf("ticks skipped = %v", got)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m := New()
	m.SetQueueDepth("runs", 3, 1, 10, 2)
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("runs", "waiting")); got != 3 {
		t.Fatalf("waiting depth = %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("runs", "failed")); got != 2 {
		t.Fatalf("failed depth = %v", got)
	}
}
