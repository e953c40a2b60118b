// Package metrics exposes run counters. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	backups         *prometheus.CounterVec
	writerAttempts  prometheus.Counter
	gateAborts      prometheus.Counter
	payloadsDeleted prometheus.Counter
	batchFallbacks  prometheus.Counter
	runs            *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		backups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prunebox_backups_total",
			Help: "Verified backup writes by kind and result",
		}, []string{"kind", "result"}),
		writerAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "prunebox_writer_attempts_total",
			Help: "Sink write attempts, including retries",
		}),
		gateAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "prunebox_gate_aborts_total",
			Help: "Runs stopped by the consistency gate",
		}),
		payloadsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "prunebox_payloads_deleted_total",
			Help: "Payloads removed from the record store",
		}),
		batchFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "prunebox_delete_batch_fallbacks_total",
			Help: "Batch deletions that fell back to per-item deletion",
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prunebox_runs_total",
			Help: "Finished runs by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Backup(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.backups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) WriterAttempt() {
	if m == nil {
		return
	}
	m.writerAttempts.Inc()
}

func (m *Metrics) GateAbort() {
	if m == nil {
		return
	}
	m.gateAborts.Inc()
}

func (m *Metrics) PayloadsDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.payloadsDeleted.Add(float64(n))
}

func (m *Metrics) BatchFallback() {
	if m == nil {
		return
	}
	m.batchFallbacks.Inc()
}

func (m *Metrics) Run(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}
