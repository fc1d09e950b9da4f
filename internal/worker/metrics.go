package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/pipeline"
)

type metrics struct {
	registry *prometheus.Registry

	batches  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	items    *prometheus.CounterVec
	archive  prometheus.Histogram
	pixels   *prometheus.CounterVec
	saved    *prometheus.CounterVec
	compute  *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	byTool := []string{"tool"}

	return &metrics{
		registry: reg,
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_worker_batches_total",
			Help: "Batches handled, by tool and final status.",
		}, []string{"tool", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imageverse_worker_batch_duration_seconds",
			Help:    "Wall time per batch, queue wait excluded.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"tool", "status"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "imageverse_worker_active_batches",
			Help: "Batches holding a processing slot.",
		}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_worker_items_total",
			Help: "Batch items by tool and outcome.",
		}, []string{"tool", "outcome"}),
		archive: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "imageverse_worker_archive_bytes",
			Help:    "Size of the archives written.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 4, 8),
		}),
		pixels: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_usage_pixels_processed_total",
			Help: "Source pixels of successful items.",
		}, byTool),
		saved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_usage_bytes_saved_total",
			Help: "Bytes saved by successful batches.",
		}, byTool),
		compute: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_usage_compute_seconds_total",
			Help: "Processing time of successful batches.",
		}, byTool),
	}
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) batchDone(tool, status string, took time.Duration) {
	m.batches.WithLabelValues(tool, status).Inc()
	m.duration.WithLabelValues(tool, status).Observe(took.Seconds())
}

func (m *metrics) batchItems(tool string, result pipeline.Result) {
	m.items.WithLabelValues(tool, "done").Add(float64(len(result.Archive.Entries)))
	m.items.WithLabelValues(tool, "failed").Add(float64(len(result.Failed)))
	m.items.WithLabelValues(tool, "skipped").Add(float64(len(result.Archive.Skipped)))
	if result.Archive.Bytes > 0 {
		m.archive.Observe(float64(result.Archive.Bytes))
	}
}

func (m *metrics) usage(u domain.BatchUsage) {
	tool := string(u.Tool)
	m.pixels.WithLabelValues(tool).Add(float64(u.PixelsProcessed))
	m.saved.WithLabelValues(tool).Add(float64(u.BytesSaved))
	m.compute.WithLabelValues(tool).Add(float64(u.ComputeTimeMS) / 1000)
}
