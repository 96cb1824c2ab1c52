package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}

	// Test that all metrics are initialized
	if metrics.MessagesReceived == nil {
		t.Error("Expected MessagesReceived to be initialized")
	}
	if metrics.MessagesSent == nil {
		t.Error("Expected MessagesSent to be initialized")
	}
	if metrics.MessagesDropped == nil {
		t.Error("Expected MessagesDropped to be initialized")
	}
	if metrics.ConflictsDetected == nil {
		t.Error("Expected ConflictsDetected to be initialized")
	}
	if metrics.ConflictsResolved == nil {
		t.Error("Expected ConflictsResolved to be initialized")
	}
	if metrics.ResolutionDuration == nil {
		t.Error("Expected ResolutionDuration to be initialized")
	}
	if metrics.StateUpdates == nil {
		t.Error("Expected StateUpdates to be initialized")
	}
	if metrics.ClockSyncs == nil {
		t.Error("Expected ClockSyncs to be initialized")
	}
	if metrics.KnownPeers == nil {
		t.Error("Expected KnownPeers to be initialized")
	}
	if metrics.MeshConnections == nil {
		t.Error("Expected MeshConnections to be initialized")
	}
	if metrics.FramesRejected == nil {
		t.Error("Expected FramesRejected to be initialized")
	}
}

func TestSeparateRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.ConflictsDetected.Inc()
	if got := testutil.ToFloat64(a.ConflictsDetected); got != 1 {
		t.Errorf("Expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(b.ConflictsDetected); got != 0 {
		t.Errorf("Registries should not share collectors, got %v", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.MessagesReceived.WithLabelValues("STATE_UPDATE").Inc()
	m.MessagesReceived.WithLabelValues("STATE_UPDATE").Inc()
	m.MessagesReceived.WithLabelValues("CLOCK_SYNC").Inc()

	if got := testutil.ToFloat64(m.MessagesReceived.WithLabelValues("STATE_UPDATE")); got != 2 {
		t.Errorf("Expected 2, got %v", got)
	}
	if n := testutil.CollectAndCount(m.MessagesReceived); n != 2 {
		t.Errorf("Expected 2 label sets, got %d", n)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic when registering twice")
		}
	}()
	NewMetrics(reg)
}
