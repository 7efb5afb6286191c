package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler owns every counter the pipeline reports. Each Handler carries its
// own registry so tests can construct as many as they need.
type Handler struct {
	registry *prometheus.Registry

	RecordsReadTotal     *prometheus.CounterVec
	RecordsEnqueuedTotal *prometheus.CounterVec
	RecordsDroppedTotal  *prometheus.CounterVec
	RecordsSpilledTotal  *prometheus.CounterVec
	BatchesExportedTotal *prometheus.CounterVec
	ExportLatency        *prometheus.HistogramVec
	QueueDepth           prometheus.Gauge
	QueueCleared         prometheus.Counter
	WALSegmentsPending   prometheus.Gauge
	WatchersActive       prometheus.Gauge
}

func New(name string) (*Handler, error) {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Handler{
		registry: registry,
		RecordsReadTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sle_records_read_total",
			Help: "The total number of records read from all sources",
		}, []string{"source"}),
		RecordsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sle_records_enqueued_total",
			Help: "The total number of records admitted to the queue",
		}, []string{"source"}),
		RecordsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sle_records_dropped_total",
			Help: "The total number of records dropped",
		}, []string{"reason"}),
		RecordsSpilledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sle_records_spilled_total",
			Help: "The total number of records written to the disk buffer",
		}, []string{"reason"}),
		BatchesExportedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sle_batches_exported_total",
			Help: "The total number of batches dispatched to backends",
		}, []string{"kind", "status"}),
		ExportLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sle_export_latency_seconds",
			Help:    "The latency of backend push requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sle_queue_depth",
			Help: "Current number of records in the central queue",
		}),
		QueueCleared: factory.NewCounter(prometheus.CounterOpts{
			Name: "sle_queue_cleared_total",
			Help: "Times the legacy queue was cleared on overflow",
		}),
		WALSegmentsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sle_wal_segments_pending",
			Help: "Disk buffer segments awaiting delivery",
		}),
		WatchersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sle_watchers_active",
			Help: "Number of active source watchers",
		}),
	}, nil
}

// ObserveExportLatency records the latency of one backend push.
func (h *Handler) ObserveExportLatency(kind string, duration time.Duration) {
	h.ExportLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncDropped increments the dropped-records counter for a reason.
func (h *Handler) IncDropped(reason string) {
	h.RecordsDroppedTotal.WithLabelValues(reason).Inc()
}

// Serve exposes the registry on addr until the server fails. Callers run it
// in a goroutine; a listen error is returned, not fatal.
func (h *Handler) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
