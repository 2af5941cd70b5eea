package atlas

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buildInfoMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "goatlas",
	Name:      "buildinfo",
}, []string{"version", "revision"})

var buildTimeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "goatlas",
	Name:      "buildtime",
})

func init() {
	err := prometheus.Register(buildInfoMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
	err = prometheus.Register(buildTimeMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
}

// SetBuildInfo initializes static metrics with the version, git hash, and build time
func SetBuildInfo(version, commit, date string) {
	buildInfoMetric.WithLabelValues(version, commit).Set(1)
	time, err := time.Parse(time.RFC3339, date)
	if err == nil {
		buildTimeMetric.Set(float64(time.Unix()))
	} else {
		buildTimeMetric.Set(0)
	}
}

type metrics struct {
	// overall requests: # requests, request duration, response size by dataset/status code
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// query results
	queryTiles *prometheus.HistogramVec
	// throttling and auth outcomes
	rateLimited  *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	// batch archives
	batchBytes   *prometheus.HistogramVec
	batchMissing *prometheus.CounterVec
	// misc
	reloads *prometheus.CounterVec
}

// utility to time an overall request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, dataset, handler string, status, responseSize int) {
	if !r.finished {
		r.finished = true
		// exclude dataset name from "not found" metrics to limit cardinality on requests for nonexistant datasets
		statusString := strconv.Itoa(status)
		if status == 404 {
			dataset = ""
		} else if ctx.Err() == context.Canceled {
			statusString = "canceled"
		}

		labels := []string{dataset, handler, statusString}
		r.metrics.requests.WithLabelValues(labels...).Inc()
		r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
		r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
	}
}

func (m *metrics) observeQuery(dataset string, tiles int) {
	m.queryTiles.WithLabelValues(dataset).Observe(float64(tiles))
}

func (m *metrics) observeBatch(dataset string, bytes int64, missing int) {
	m.batchBytes.WithLabelValues(dataset).Observe(float64(bytes))
	if missing > 0 {
		m.batchMissing.WithLabelValues(dataset).Add(float64(missing))
	}
}

func (m *metrics) reloadAtlas(dataset string) {
	m.reloads.WithLabelValues(dataset).Inc()
}

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		logger.Println(err)
	}
	return metric
}

func createMetrics(scope string, logger *log.Logger) *metrics {
	namespace := "goatlas"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 10.0 * kib, 100 * kib, 1.0 * mib, 10 * mib, 100 * mib, 1024 * mib}
	tileBuckets := []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

	return &metrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"dataset", "handler", "status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"dataset", "handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"dataset", "handler", "status"})),

		queryTiles: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "query_tiles",
			Help:      "Number of tiles matched per discovery query",
			Buckets:   tileBuckets,
		}, []string{"dataset"})),

		rateLimited: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the sliding-window limiter",
		}, []string{"scope"})),
		authFailures: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "auth_failures_total",
			Help:      "Failed token issuance and validation attempts",
		}, []string{"method"})),

		batchBytes: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "batch_archive_bytes",
			Help:      "Size in bytes of streamed batch archives",
			Buckets:   sizeBuckets,
		}, []string{"dataset"})),
		batchMissing: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "batch_missing_files_total",
			Help:      "Indexed files absent from storage at batch time",
		}, []string{"dataset"})),

		reloads: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "atlas_reloads",
			Help:      "Number of times a dataset atlas was reloaded from disk",
		}, []string{"dataset"})),
	}
}
