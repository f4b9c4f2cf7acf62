package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetState("connected", "connected", "disconnected")
	m.ObserveProbe(true, 0.01)
	m.IncConnectAttempt()
	m.IncReconnect("lost")
	m.IncInbound("queue_update")
	m.IncDecodeError()
	m.IncDispatched("queue_update")
	m.IncDropped("unknown_topic")
	m.IncDiscovery("none")
	m.IncHealthFailure()
}

func TestSetStateIsExclusive(t *testing.T) {
	m := New(prometheus.NewRegistry())
	all := []string{"disconnected", "connecting", "connected"}

	m.SetState("connecting", all...)
	m.SetState("connected", all...)

	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting gauge = %v, want 0", got)
	}
}

func TestObserveProbe(t *testing.T) {
	m := New(nil)
	m.ObserveProbe(true, 0.02)
	m.ObserveProbe(false, 0)
	m.ObserveProbe(false, 0)

	if got := testutil.ToFloat64(m.ProbesTotal.WithLabelValues("reachable")); got != 1 {
		t.Errorf("reachable = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProbesTotal.WithLabelValues("unreachable")); got != 2 {
		t.Errorf("unreachable = %v, want 2", got)
	}
}

func TestRegisterTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
