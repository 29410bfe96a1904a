package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LoadPath identifies which side of the viewer asked for a page.
type LoadPath string

const (
	// PathForeground is a user-visible load of the current page.
	PathForeground LoadPath = "foreground"
	// PathPrefetch is a background load of a page ahead of the reader.
	PathPrefetch LoadPath = "prefetch"
)

// LookupOutcome captures the result of a page cache lookup.
type LookupOutcome string

const (
	LookupHit  LookupOutcome = "hit"
	LookupMiss LookupOutcome = "miss"
)

// DecodeOutcome captures how a decode ticket resolved for one requester.
type DecodeOutcome string

const (
	// DecodeStored indicates the decoded page was inserted into the page cache.
	DecodeStored DecodeOutcome = "stored"
	// DecodeStale indicates the result arrived after its document scope was cleared.
	DecodeStale DecodeOutcome = "stale"
	// DecodeError indicates the archive reader failed.
	DecodeError DecodeOutcome = "error"
)

// BlobOperation identifies the shared blob tier method being instrumented.
type BlobOperation string

const (
	BlobLookup BlobOperation = "lookup"
	BlobStore  BlobOperation = "store"
	BlobDelete BlobOperation = "delete"
)

// Recorder publishes Prometheus metrics for the viewer engine and the HTTP API.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheEntries   prometheus.Gauge
	cacheBytes     prometheus.Gauge

	decodes       *prometheus.CounterVec
	decodeLatency *prometheus.HistogramVec

	navigations *prometheus.CounterVec

	blobOperations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	apiRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gihon",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total API requests served.",
	}, []string{"route", "status_code"})

	apiLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gihon",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for API requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gihon",
		Subsystem: "page_cache",
		Name:      "lookups_total",
		Help:      "Page cache lookups by load path and result.",
	}, []string{"path", "result"})

	cacheEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gihon",
		Subsystem: "page_cache",
		Name:      "evictions_total",
		Help:      "Pages evicted from the page cache to stay within budget.",
	})

	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gihon",
		Subsystem: "page_cache",
		Name:      "entries",
		Help:      "Pages currently held by the page cache.",
	})

	cacheBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gihon",
		Subsystem: "page_cache",
		Name:      "bytes",
		Help:      "Payload bytes currently held by the page cache.",
	})

	decodes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gihon",
		Subsystem: "decode",
		Name:      "results_total",
		Help:      "Decode results observed by load path and outcome.",
	}, []string{"path", "outcome"})

	decodeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gihon",
		Subsystem: "decode",
		Name:      "duration_seconds",
		Help:      "Time spent waiting for a page decode.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"path", "outcome"})

	navigations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gihon",
		Subsystem: "viewer",
		Name:      "navigations_total",
		Help:      "Navigation intents handled by the viewer session.",
	}, []string{"intent", "outcome"})

	blobOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gihon",
		Subsystem: "blob_cache",
		Name:      "operations_total",
		Help:      "Shared page blob tier operations.",
	}, []string{"operation", "result"})

	reg.MustRegister(apiRequests, apiLatency, cacheLookups, cacheEvictions, cacheEntries, cacheBytes,
		decodes, decodeLatency, navigations, blobOperations)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:       reg,
		handler:        handler,
		apiRequests:    apiRequests,
		apiLatency:     apiLatency,
		cacheLookups:   cacheLookups,
		cacheEvictions: cacheEvictions,
		cacheEntries:   cacheEntries,
		cacheBytes:     cacheBytes,
		decodes:        decodes,
		decodeLatency:  decodeLatency,
		navigations:    navigations,
		blobOperations: blobOperations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records one completed API request.
func (r *Recorder) ObserveRequest(route string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.apiRequests.WithLabelValues(routeLabel, statusLabel).Inc()
	r.apiLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

// ObserveLookup records a page cache lookup.
func (r *Recorder) ObserveLookup(path LoadPath, result LookupOutcome) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(string(path)), normalizeLabel(string(result))).Inc()
}

// ObserveEviction counts one page evicted from the page cache.
func (r *Recorder) ObserveEviction() {
	if r == nil {
		return
	}
	r.cacheEvictions.Inc()
}

// SetCacheUsage publishes the current page cache occupancy.
func (r *Recorder) SetCacheUsage(entries int, bytes int64) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(entries))
	r.cacheBytes.Set(float64(bytes))
}

// ObserveDecode records how a decode resolved for one requester.
func (r *Recorder) ObserveDecode(path LoadPath, outcome DecodeOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	pathLabel := normalizeLabel(string(path))
	outcomeLabel := normalizeLabel(string(outcome))
	r.decodes.WithLabelValues(pathLabel, outcomeLabel).Inc()
	r.decodeLatency.WithLabelValues(pathLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveNavigation records a navigation intent. moved is false for boundary no-ops.
func (r *Recorder) ObserveNavigation(intent string, moved bool) {
	if r == nil {
		return
	}
	outcome := "noop"
	if moved {
		outcome = "moved"
	}
	r.navigations.WithLabelValues(normalizeLabel(intent), outcome).Inc()
}

// ObserveBlob records an operation against the shared blob tier.
func (r *Recorder) ObserveBlob(operation BlobOperation, result string) {
	if r == nil {
		return
	}
	r.blobOperations.WithLabelValues(normalizeLabel(string(operation)), normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
