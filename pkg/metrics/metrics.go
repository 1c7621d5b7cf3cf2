// Package metrics defines the Sink a migration driver reports progress
// through, plus a Prometheus-backed implementation. Callers that don't
// care about metrics can use NoopSink.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives progress events from a running migration. Implementations
// must be safe for concurrent use. The copy, sync, and delete engines call
// into it from the migration's single worker goroutine.
type Sink interface {
	IncInserted(realm string, n int)
	IncDeleted(realm string, n int)
	IncSyncReplayed(realm string, n int)
	ObserveBatchDuration(realm, phase string, d time.Duration)
	SetSyncLag(realm string, d time.Duration)
	SetPhase(realm, phase string)
}

// NoopSink discards every event. It is the default Sink for a Driver that
// hasn't been given one, mirroring the teacher's metricsSink default.
type NoopSink struct{}

func (*NoopSink) IncInserted(string, int)                        {}
func (*NoopSink) IncDeleted(string, int)                         {}
func (*NoopSink) IncSyncReplayed(string, int)                    {}
func (*NoopSink) ObserveBatchDuration(string, string, time.Duration) {}
func (*NoopSink) SetSyncLag(string, time.Duration)               {}
func (*NoopSink) SetPhase(string, string)                        {}

// PrometheusSink reports migration progress as Prometheus metrics, labeled
// by realm so migrations of different realms can be told apart on one
// dashboard.
type PrometheusSink struct {
	inserted      *prometheus.CounterVec
	deleted       *prometheus.CounterVec
	syncReplayed  *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	syncLag       *prometheus.GaugeVec
	phase         *prometheus.GaugeVec
}

// NewPrometheusSink builds a PrometheusSink and registers its collectors
// against reg. Pass prometheus.DefaultRegisterer to expose it on the
// process-wide /metrics endpoint.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmove_documents_inserted_total",
			Help: "Documents copied or replayed into the destination shard.",
		}, []string{"realm"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmove_documents_deleted_total",
			Help: "Documents deleted from the source shard after cutover.",
		}, []string{"realm"}),
		syncReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmove_oplog_entries_replayed_total",
			Help: "Oplog entries replayed against the destination during sync.",
		}, []string{"realm"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardmove_batch_duration_seconds",
			Help:    "Duration of one copy/sync/delete batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"realm", "phase"}),
		syncLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardmove_sync_lag_seconds",
			Help: "Time between an oplog entry's timestamp and its replay.",
		}, []string{"realm"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardmove_migration_phase",
			Help: "1 for the realm's current migration phase, 0 for every other phase.",
		}, []string{"realm", "phase"}),
	}
	reg.MustRegister(s.inserted, s.deleted, s.syncReplayed, s.batchDuration, s.syncLag, s.phase)
	return s
}

func (s *PrometheusSink) IncInserted(realm string, n int) {
	s.inserted.WithLabelValues(realm).Add(float64(n))
}

func (s *PrometheusSink) IncDeleted(realm string, n int) {
	s.deleted.WithLabelValues(realm).Add(float64(n))
}

func (s *PrometheusSink) IncSyncReplayed(realm string, n int) {
	s.syncReplayed.WithLabelValues(realm).Add(float64(n))
}

func (s *PrometheusSink) ObserveBatchDuration(realm, phase string, d time.Duration) {
	s.batchDuration.WithLabelValues(realm, phase).Observe(d.Seconds())
}

func (s *PrometheusSink) SetSyncLag(realm string, d time.Duration) {
	s.syncLag.WithLabelValues(realm).Set(d.Seconds())
}

// SetPhase zeroes every other phase gauge for realm and sets phase to 1, so
// a dashboard query can pick the current phase with a simple max.
func (s *PrometheusSink) SetPhase(realm, phase string) {
	for _, p := range []string{"copy", "sync", "paused", "delete", "atRest"} {
		v := 0.0
		if p == phase {
			v = 1
		}
		s.phase.WithLabelValues(realm, p).Set(v)
	}
}

// Timer measures one operation's duration and reports it to a Sink on Stop.
// Mirrors the teacher's metrics.Timer helper.
type Timer struct {
	sink      Sink
	realm     string
	phase     string
	start     time.Time
}

// NewTimer starts a timer for realm/phase.
func NewTimer(sink Sink, realm, phase string) *Timer {
	return &Timer{sink: sink, realm: realm, phase: phase, start: time.Now()}
}

// Stop reports the elapsed duration since NewTimer to the sink.
func (t *Timer) Stop() {
	t.sink.ObserveBatchDuration(t.realm, t.phase, time.Since(t.start))
}
