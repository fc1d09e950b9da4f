package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/imageverse/internal/domain"
)

type metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	toolRuns    *prometheus.CounterVec
	uploadBytes *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	enqueued    *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_api_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"method", "route", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imageverse_api_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "imageverse_api_requests_in_flight",
			Help: "Requests being served.",
		}),
		toolRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_api_tool_runs_total",
			Help: "Synchronous tool and batch runs by outcome.",
		}, []string{"tool", "mode", "outcome"}),
		uploadBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imageverse_api_upload_bytes",
			Help:    "Size of accepted uploads.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 4, 7),
		}, []string{"route"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_api_rate_limit_rejections_total",
			Help: "Requests refused by the rate limiter.",
		}, []string{"route"}),
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imageverse_queue_batches_enqueued_total",
			Help: "Batches handed to the worker queue.",
		}, []string{"queue"}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) toolRun(kind domain.ToolKind, mode string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strconv.Itoa(errorStatus(err))
	}
	m.toolRuns.WithLabelValues(string(kind), mode, outcome).Inc()
}

func (m *metrics) upload(r *http.Request, form uploadForm) {
	total := 0
	for _, f := range form.Files {
		total += len(f.Data)
	}
	m.uploadBytes.WithLabelValues(routeLabel(r.URL.Path)).Observe(float64(total))
}

func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		m.requests.WithLabelValues(r.Method, route, statusClass(rec.status)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// routeLabel maps a path onto its route pattern so ids stay out of labels.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && (parts[0] == "healthz" || parts[0] == "metrics"):
		return path
	case len(parts) < 2 || parts[0] != "v1":
		return "other"
	}

	switch parts[1] {
	case "tools":
		if len(parts) == 2 {
			return "/v1/tools"
		}
		return "/v1/tools/{tool}"
	case "feedback":
		return "/v1/feedback"
	case "batches":
		switch {
		case len(parts) == 2:
			return "/v1/batches"
		case len(parts) == 3 && parts[2] == "async":
			return "/v1/batches/async"
		case len(parts) == 4 && parts[3] == "archive":
			return "/v1/batches/{id}/archive"
		default:
			return "/v1/batches/{id}"
		}
	}
	return "other"
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
