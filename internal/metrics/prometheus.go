// Package metrics exposes Prometheus collectors for the pipeline's
// observable surfaces: chain runs, link outcomes, storage fan-out, egress
// pushes, and DLQ activity. Consumers outside this package never see the
// underlying prometheus types, which live behind a single package-global
// collector set initialized once by Init.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the registry and every collector the pipeline records to.
type Metrics struct {
	registry *prometheus.Registry

	chainRunsTotal     *prometheus.CounterVec
	chainRunDuration   *prometheus.HistogramVec
	linkOutcomesTotal  *prometheus.CounterVec
	storageSavesTotal  *prometheus.CounterVec
	storageSaveLatency *prometheus.HistogramVec
	egressPushesTotal  *prometheus.CounterVec
	dlqDepth           *prometheus.GaugeVec
	dlqEntriesTotal    *prometheus.CounterVec
	dlqReprocessTotal  *prometheus.CounterVec
	ingressAdmissions  *prometheus.CounterVec
	activeWorkers      *prometheus.GaugeVec
	uptime             prometheus.GaugeFunc
}

var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var global *Metrics
var startTime = time.Now()

// Init builds the package-global Metrics registry. Call once at startup.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		chainRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_runs_total",
			Help:      "Total chain runs by chain and outcome",
		}, []string{"chain", "outcome"}),

		chainRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_run_duration_milliseconds",
			Help:      "Duration of a full chain run in milliseconds",
			Buckets:   defaultBuckets,
		}, []string{"chain"}),

		linkOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_outcomes_total",
			Help:      "Total link invocations by chain, link, and outcome",
		}, []string{"chain", "link", "outcome"}),

		storageSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_saves_total",
			Help:      "Total storage save attempts by storage name and result",
		}, []string{"storage", "result"}),

		storageSaveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_save_duration_milliseconds",
			Help:      "Duration of a single storage save in milliseconds",
			Buckets:   defaultBuckets,
		}, []string{"storage"}),

		egressPushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_pushes_total",
			Help:      "Total egress list pushes by list and result",
		}, []string{"list", "result"}),

		dlqDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Last observed DLQ depth by ingress list",
		}, []string{"ingress"}),

		dlqEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_entries_total",
			Help:      "Total entries moved to a DLQ by ingress list and reason",
		}, []string{"ingress", "reason"}),

		dlqReprocessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_reprocess_total",
			Help:      "Total DLQ entries requeued by ingress list",
		}, []string{"ingress"}),

		ingressAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_admissions_total",
			Help:      "Total ingress admission attempts by ingress list and result",
		}, []string{"ingress", "result"}),

		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Currently running worker goroutines by chain",
		}, []string{"chain"}),
	}

	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the metrics subsystem was initialized",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})

	registry.MustRegister(
		m.chainRunsTotal,
		m.chainRunDuration,
		m.linkOutcomesTotal,
		m.storageSavesTotal,
		m.storageSaveLatency,
		m.egressPushesTotal,
		m.dlqDepth,
		m.dlqEntriesTotal,
		m.dlqReprocessTotal,
		m.ingressAdmissions,
		m.activeWorkers,
		m.uptime,
	)

	global = m
	return m
}

// Global returns the process-wide Metrics instance, or nil if Init has not
// run yet — every recorder below tolerates a nil global.
func Global() *Metrics { return global }

func (m *Metrics) RecordChainRun(chain, outcome string, durationMs int64) {
	if m == nil {
		return
	}
	m.chainRunsTotal.WithLabelValues(chain, outcome).Inc()
	m.chainRunDuration.WithLabelValues(chain).Observe(float64(durationMs))
}

func (m *Metrics) RecordLinkOutcome(chain, link, outcome string) {
	if m == nil {
		return
	}
	m.linkOutcomesTotal.WithLabelValues(chain, link, outcome).Inc()
}

func (m *Metrics) RecordStorageSave(storageName string, durationMs int64, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.storageSavesTotal.WithLabelValues(storageName, result).Inc()
	m.storageSaveLatency.WithLabelValues(storageName).Observe(float64(durationMs))
}

func (m *Metrics) RecordEgressPush(list string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.egressPushesTotal.WithLabelValues(list, result).Inc()
}

func (m *Metrics) SetDLQDepth(ingress string, depth int64) {
	if m == nil {
		return
	}
	m.dlqDepth.WithLabelValues(ingress).Set(float64(depth))
}

func (m *Metrics) RecordDLQEntry(ingress, reason string) {
	if m == nil {
		return
	}
	m.dlqEntriesTotal.WithLabelValues(ingress, reason).Inc()
}

func (m *Metrics) RecordDLQReprocess(ingress string, count int) {
	if m == nil {
		return
	}
	m.dlqReprocessTotal.WithLabelValues(ingress).Add(float64(count))
}

func (m *Metrics) RecordIngressAdmission(ingress, result string) {
	if m == nil {
		return
	}
	m.ingressAdmissions.WithLabelValues(ingress, result).Inc()
}

func (m *Metrics) SetActiveWorkers(chain string, count int) {
	if m == nil {
		return
	}
	m.activeWorkers.WithLabelValues(chain).Set(float64(count))
}

// Handler returns an HTTP handler for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
