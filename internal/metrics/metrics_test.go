package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCounterMetrics(t *testing.T) {
	t.Parallel()

	recorder := NewCounterMetrics()
	recorder.Increment(EventRefreshStarted)
	recorder.Increment(EventRefreshStarted)
	recorder.Increment(EventRefreshFailure)

	if recorder.Count(EventRefreshStarted) != 2 {
		t.Fatalf("expected 2 refresh starts, got %d", recorder.Count(EventRefreshStarted))
	}
	snapshot := recorder.Snapshot()
	snapshot[EventRefreshFailure] = 100
	if recorder.Count(EventRefreshFailure) != 1 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestOrNopAndFanout(t *testing.T) {
	t.Parallel()

	OrNop(nil).Increment(EventLogout)

	first := NewCounterMetrics()
	second := NewCounterMetrics()
	Fanout{first, nil, second}.Increment(EventLogout)
	if first.Count(EventLogout) != 1 || second.Count(EventLogout) != 1 {
		t.Fatalf("expected fanout to reach both recorders")
	}
}

func TestPrometheusMetricsReusesRegistration(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("expected re-registration to succeed, got %v", err)
	}
	first.Increment(EventGuestIssued)
	second.Increment(EventGuestIssued)

	families, gatherErr := registry.Gather()
	if gatherErr != nil {
		t.Fatalf("gather failed: %v", gatherErr)
	}
	var value float64
	for _, family := range families {
		if family.GetName() != "oops_auth_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			value += metric.GetCounter().GetValue()
		}
	}
	if value != 2 {
		t.Fatalf("expected shared counter value 2, got %v", value)
	}
}
