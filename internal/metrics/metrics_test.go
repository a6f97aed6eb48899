package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return New()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestQueryRoutedIncrementsByTarget(t *testing.T) {
	c := newTestCollector(t)
	c.QueryRouted("master")
	c.QueryRouted("master")
	c.QueryRouted("slave")

	if v := getCounterValue(c.queriesRoutedTotal.WithLabelValues("master")); v != 2 {
		t.Errorf("expected master=2, got %v", v)
	}
	if v := getCounterValue(c.queriesRoutedTotal.WithLabelValues("slave")); v != 1 {
		t.Errorf("expected slave=1, got %v", v)
	}
}

func TestSessionCommandAppended(t *testing.T) {
	c := newTestCollector(t)
	c.SessionCommandAppended()
	c.SessionCommandAppended()
	if v := getCounterValue(c.sessionCommandsTotal); v != 2 {
		t.Errorf("expected 2, got %v", v)
	}
}

func TestRerouted(t *testing.T) {
	c := newTestCollector(t)
	c.Rerouted("primary_down")
	if v := getCounterValue(c.rerouteTotal.WithLabelValues("primary_down")); v != 1 {
		t.Errorf("expected 1, got %v", v)
	}
}

func TestSetReplicaCount(t *testing.T) {
	c := newTestCollector(t)
	c.SetReplicaCount(3)
	if v := getGaugeValue(c.replicaCountGauge); v != 3 {
		t.Errorf("expected 3, got %v", v)
	}
}

func TestStatementDuration(t *testing.T) {
	c := newTestCollector(t)
	c.StatementDuration("slave", 5*time.Millisecond)
	// HistogramVec has no single scalar to read back cheaply; just
	// confirm no panic and that the vector has recorded something.
	m := &dto.Metric{}
	h, err := c.statementDuration.GetMetricWithLabelValues("slave")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	h.(prometheus.Histogram).Write(m)
	if m.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("expected 1 sample, got %d", m.GetHistogram().GetSampleCount())
	}
}

func TestSessionOpenedClosed(t *testing.T) {
	c := newTestCollector(t)
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	if v := getGaugeValue(c.sessionsActive); v != 1 {
		t.Errorf("expected 1, got %v", v)
	}
}

func TestSessionPinned(t *testing.T) {
	c := newTestCollector(t)
	c.SessionPinned("prepared_statement")
	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("prepared_statement")); v != 1 {
		t.Errorf("expected 1, got %v", v)
	}
}

func TestBackendConnect(t *testing.T) {
	c := newTestCollector(t)
	c.BackendConnect("r1", "success")
	c.BackendConnect("r1", "failure")
	if v := getCounterValue(c.backendConnectTotal.WithLabelValues("r1", "success")); v != 1 {
		t.Errorf("expected success=1, got %v", v)
	}
	if v := getCounterValue(c.backendConnectTotal.WithLabelValues("r1", "failure")); v != 1 {
		t.Errorf("expected failure=1, got %v", v)
	}
}

func TestSescmdDivergence(t *testing.T) {
	c := newTestCollector(t)
	c.SescmdDivergence("r2")
	if v := getCounterValue(c.sescmdDivergence.WithLabelValues("r2")); v != 1 {
		t.Errorf("expected 1, got %v", v)
	}
}

func TestPrimaryFailover(t *testing.T) {
	c := newTestCollector(t)
	c.PrimaryFailover()
	c.PrimaryFailover()
	if v := getCounterValue(c.primaryFailoverTotal); v != 2 {
		t.Errorf("expected 2, got %v", v)
	}
}

func TestCountersSnapshot(t *testing.T) {
	c := newTestCollector(t)
	c.QueryRouted("master")
	c.QueryRouted("slave")
	c.QueryRouted("lag_max")
	c.QueryRouted("all")
	c.SessionCommandAppended()
	c.Rerouted("backend_failure")
	c.SetReplicaCount(2)
	c.SetReplicaCount(4)

	snap := c.Counters()
	if snap.QueriesToPrimary != 1 || snap.QueriesToReplicas != 2 || snap.QueriesToAll != 1 {
		t.Errorf("unexpected routing counters: %+v", snap)
	}
	if snap.SessionCommands != 1 || snap.Reroutes != 1 {
		t.Errorf("unexpected sescmd/reroute counters: %+v", snap)
	}
	if snap.AverageReplicaCount != 3 {
		t.Errorf("expected average replica count 3, got %v", snap.AverageReplicaCount)
	}
}
