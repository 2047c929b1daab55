package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"havoc/internal/provider"
	"havoc/internal/report"

	dto "github.com/prometheus/client_model/go"
)

func find(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, l := range metric.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPublishRecordsCycle(t *testing.T) {
	m := New()
	now := time.Now()

	err := m.Publish(context.Background(), report.Report{
		StartedAt:  now.Add(-2 * time.Second),
		FinishedAt: now,
		Outcome:    report.OutcomeSuccess,
		Applied:    true,
		Pools:      map[string]int{"web": 4, "api": 0},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	cycles := find(t, m, "havoc_cycles_total")
	if cycles == nil || len(cycles.GetMetric()) != 1 {
		t.Fatalf("Expected one cycles series, got %v", cycles)
	}
	if labelValue(cycles.GetMetric()[0], "outcome") != "success" || cycles.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("Unexpected cycles series %v", cycles.GetMetric()[0])
	}

	deploys := find(t, m, "havoc_deploys_total")
	if deploys.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("Expected one deploy")
	}

	pools := find(t, m, "havoc_pool_instances")
	got := map[string]float64{}
	for _, metric := range pools.GetMetric() {
		got[labelValue(metric, "pool")] = metric.GetGauge().GetValue()
	}
	if got["web"] != 4 || got["api"] != 0 || len(got) != 2 {
		t.Errorf("Unexpected pool gauges %v", got)
	}

	last := find(t, m, "havoc_last_success_timestamp_seconds")
	if last.GetMetric()[0].GetGauge().GetValue() != float64(now.Unix()) {
		t.Errorf("Expected last success at %d", now.Unix())
	}
}

func TestPublishFailureKeepsLastSuccess(t *testing.T) {
	m := New()
	if err := m.Publish(context.Background(), report.Report{Outcome: report.OutcomeFailure, ReloadError: "exit status 1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	last := find(t, m, "havoc_last_success_timestamp_seconds")
	if last.GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Error("Expected no success timestamp after a failure")
	}
	reloads := find(t, m, "havoc_reload_failures_total")
	if reloads.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Error("Expected one reload failure")
	}
}

func TestDiscoveryFailed(t *testing.T) {
	m := New()
	m.DiscoveryFailed(&provider.DiscoveryError{Provider: provider.ProviderAWS, Pool: "web", Err: errors.New("timeout")})
	m.DiscoveryFailed(&provider.DiscoveryError{Provider: provider.ProviderAWS, Pool: "api", Err: errors.New("timeout")})

	family := find(t, m, "havoc_discovery_errors_total")
	if family == nil || labelValue(family.GetMetric()[0], "provider") != "AWS" || family.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Errorf("Unexpected discovery errors %v", family)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	_ = m.Publish(context.Background(), report.Report{Outcome: report.OutcomeSuccess, Pools: map[string]int{"web": 1}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `havoc_pool_instances{pool="web"} 1`) {
		t.Errorf("Expected pool gauge in exposition, got:\n%s", body)
	}
}
