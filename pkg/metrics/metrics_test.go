package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNoopSinkDoesNotPanic(t *testing.T) {
	var s Sink = &NoopSink{}
	s.IncInserted("realm", 1)
	s.IncDeleted("realm", 1)
	s.IncSyncReplayed("realm", 1)
	s.ObserveBatchDuration("realm", "copy", time.Millisecond)
	s.SetSyncLag("realm", time.Millisecond)
	s.SetPhase("realm", "copy")
}

func TestPrometheusSinkIncInserted(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.IncInserted("accounts", 3)
	sink.IncInserted("accounts", 2)

	got := counterValue(t, reg, "shardmove_documents_inserted_total", "accounts")
	if got != 5 {
		t.Errorf("inserted total = %v, want 5", got)
	}
}

func TestPrometheusSinkSetPhaseExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.SetPhase("accounts", "sync")

	mf := gatherMetric(t, reg, "shardmove_migration_phase")
	for _, m := range mf.GetMetric() {
		var phase string
		for _, l := range m.GetLabel() {
			if l.GetName() == "phase" {
				phase = l.GetValue()
			}
		}
		want := 0.0
		if phase == "sync" {
			want = 1
		}
		if m.GetGauge().GetValue() != want {
			t.Errorf("phase %q gauge = %v, want %v", phase, m.GetGauge().GetValue(), want)
		}
	}
}

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	mf := gatherMetric(t, reg, name)
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetValue() == label {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no metric with label value %q", label)
	return 0
}
