package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	// promauto registers automatically, so exercising each metric and
	// collecting a few is enough to prove the wiring.

	SnifferPackets.WithLabelValues("DHCPREQUEST", "client").Inc()
	SnifferRelayed.WithLabelValues("upstream").Inc()
	SnifferDrops.WithLabelValues("bad_magic").Inc()
	SnifferRestarts.Inc()
	EventQueueDepth.Set(7)
	CommandQueueDepth.Set(2)
	SessionsByStatus.WithLabelValues("ACTIVE").Set(42)
	SessionEvents.WithLabelValues("start").Inc()
	Tombstones.Set(3)
	ReconcileRuns.WithLabelValues("tick").Inc()
	Authorizations.WithLabelValues("accept").Inc()
	Terminations.WithLabelValues("User-Request").Inc()
	RadiusRequests.WithLabelValues("auth", "accept").Inc()
	StreamEvents.WithLabelValues("SESSION_START").Inc()
	StreamRetries.Inc()
	StreamBufferDepth.Set(0)
	DatapathOperations.WithLabelValues("install", "ok").Inc()
	RoutersAlive.Set(2)
	RoutersTracked.Set(3)
	RouterPings.WithLabelValues("alive").Inc()
	CoARequests.WithLabelValues("disconnect", "ok").Inc()
	APIRequests.WithLabelValues("GET", "/v1/sessions", "200").Inc()
	StartTime.SetToCurrentTime()
	BNGInfo.WithLabelValues("dev", "bng1").Set(1)
	CPUUsage.Set(12.5)
	MemUsage.Set(64)

	if got := testutil.ToFloat64(SessionsByStatus.WithLabelValues("ACTIVE")); got != 42 {
		t.Errorf("SessionsByStatus[ACTIVE] = %v, want 42", got)
	}
	if got := testutil.ToFloat64(EventQueueDepth); got != 7 {
		t.Errorf("EventQueueDepth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(StreamRetries); got != 1 {
		t.Errorf("StreamRetries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(SnifferRestarts); got != 1 {
		t.Errorf("SnifferRestarts = %v, want 1", got)
	}
}

func TestMetricsNamespace(t *testing.T) {
	// All metrics should use the bngd_ namespace
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		name := mf.GetName()
		// Skip standard go_* and process_* and promhttp_* metrics
		if strings.HasPrefix(name, "go_") ||
			strings.HasPrefix(name, "process_") ||
			strings.HasPrefix(name, "promhttp_") {
			continue
		}
		if !strings.HasPrefix(name, "bngd_") {
			t.Errorf("metric %q does not have bngd_ prefix", name)
		}
	}
}
