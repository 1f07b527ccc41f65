package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineObserver on a private registry.
type PipelineMetrics struct {
	registry *prometheus.Registry

	itemsProcessed *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageErrors    *prometheus.CounterVec
	stageInFlight  *prometheus.GaugeVec
	ocrDuration    *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	batchProgress  *prometheus.GaugeVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	itemsProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "docintake",
			Subsystem:   "pipeline",
			Name:        "items_processed_total",
			Help:        "Items that reached a settled status, by tenant, document type and status.",
			ConstLabels: constLabels,
		},
		[]string{"tenant", "doc_type", "status"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "docintake",
			Subsystem:   "pipeline",
			Name:        "stage_duration_seconds",
			Help:        "Stage execution duration including retries.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"tenant", "stage", "doc_type", "status"},
	)
	stageErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "docintake",
			Subsystem:   "pipeline",
			Name:        "stage_errors_total",
			Help:        "Items failed by a stage, by error code.",
			ConstLabels: constLabels,
		},
		[]string{"tenant", "stage", "code"},
	)
	stageInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "docintake",
			Subsystem:   "pipeline",
			Name:        "stage_in_flight",
			Help:        "Stage executions currently running.",
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	ocrDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "docintake",
			Subsystem:   "ocr",
			Name:        "duration_seconds",
			Help:        "OCR extraction latency.",
			Buckets:     []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"tenant", "status"},
	)
	queueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "docintake",
			Subsystem:   "queue",
			Name:        "items_in_flight",
			Help:        "Tasks enqueued or running per stage queue.",
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	batchProgress := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "docintake",
			Subsystem:   "batch",
			Name:        "progress_items",
			Help:        "Batch counters: total, processed and failed items.",
			ConstLabels: constLabels,
		},
		[]string{"tenant", "batch", "counter"},
	)

	registry.MustRegister(itemsProcessed, stageDuration, stageErrors, stageInFlight, ocrDuration, queueDepth, batchProgress)

	return &PipelineMetrics{
		registry:       registry,
		itemsProcessed: itemsProcessed,
		stageDuration:  stageDuration,
		stageErrors:    stageErrors,
		stageInFlight:  stageInFlight,
		ocrDuration:    ocrDuration,
		queueDepth:     queueDepth,
		batchProgress:  batchProgress,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) StageStarted(stage domain.Stage) {
	m.stageInFlight.WithLabelValues(string(stage)).Inc()
}

func (m *PipelineMetrics) StageFinished(tenantID string, stage domain.Stage, docType domain.DocType, status string, duration time.Duration) {
	m.stageInFlight.WithLabelValues(string(stage)).Dec()
	m.stageDuration.WithLabelValues(tenantID, string(stage), docTypeLabel(docType), status).Observe(duration.Seconds())
}

func (m *PipelineMetrics) StageFailed(tenantID string, stage domain.Stage, code domain.ErrorCode) {
	m.stageErrors.WithLabelValues(tenantID, string(stage), string(code)).Inc()
}

func (m *PipelineMetrics) OCRObserved(tenantID string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ocrDuration.WithLabelValues(tenantID, status).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ItemFinished(tenantID string, docType domain.DocType, status domain.ItemStatus) {
	m.itemsProcessed.WithLabelValues(tenantID, docTypeLabel(docType), string(status)).Inc()
}

func (m *PipelineMetrics) QueueDepth(stage domain.Stage, delta int) {
	m.queueDepth.WithLabelValues(string(stage)).Add(float64(delta))
}

func (m *PipelineMetrics) BatchProgress(tenantID, batchID string, counters domain.BatchCounters) {
	m.batchProgress.WithLabelValues(tenantID, batchID, "total").Set(float64(counters.Total))
	m.batchProgress.WithLabelValues(tenantID, batchID, "processed").Set(float64(counters.Processed))
	m.batchProgress.WithLabelValues(tenantID, batchID, "failed").Set(float64(counters.Failed))
}

func docTypeLabel(dt domain.DocType) string {
	if dt == "" {
		return string(domain.DocTypeUnknown)
	}
	return string(dt)
}
