package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hls_ingest"

// Job and transcode outcomes used as label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder owns the Prometheus collectors for detection, queueing,
// transcoding and publishing. Each Recorder has its own registry so tests can
// construct isolated instances.
type Recorder struct {
	registry *prometheus.Registry

	detected         prometheus.Counter
	skipped          prometheus.Counter
	listFailures     prometheus.Counter
	enqueueFailures  prometheus.Counter
	dequeueFailures  prometheus.Counter
	queueDepth       prometheus.Gauge
	jobs             *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	activeJobs       prometheus.Gauge
	transcodes       *prometheus.CounterVec
	transcodeLatency *prometheus.HistogramVec
	uploadedObjects  prometheus.Counter
	uploadedBytes    prometheus.Counter
	sinkFailures     *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with every collector registered on a fresh
// registry alongside the Go runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		detected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_detected_total",
			Help:      "Staging objects enqueued for processing.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_skipped_total",
			Help:      "Staging objects ignored because of an unsupported extension.",
		}),
		listFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_failures_total",
			Help:      "Staging store listings that failed.",
		}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Work queue appends that failed.",
		}),
		dequeueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dequeue_failures_total",
			Help:      "Work queue pops that failed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries waiting in the work queue, sampled after each detector tick.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a full pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Pipeline runs currently in flight.",
		}),
		transcodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcodes_total",
			Help:      "Per-profile engine invocations by outcome.",
		}, []string{"profile", "outcome"}),
		transcodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Wall time of a single engine invocation.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"profile"}),
		uploadedObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_objects_total",
			Help:      "Artifacts written to the production store.",
		}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes written to the production store.",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publication_sink_failures_total",
			Help:      "Publication records that a sink failed to accept.",
		}, []string{"sink"}),
	}
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		r.detected,
		r.skipped,
		r.listFailures,
		r.enqueueFailures,
		r.dequeueFailures,
		r.queueDepth,
		r.jobs,
		r.jobDuration,
		r.activeJobs,
		r.transcodes,
		r.transcodeLatency,
		r.uploadedObjects,
		r.uploadedBytes,
		r.sinkFailures,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObjectDetected counts a staging object that was enqueued.
func (r *Recorder) ObjectDetected() {
	if r == nil {
		return
	}
	r.detected.Inc()
}

// ObjectSkipped counts a staging object filtered out by extension.
func (r *Recorder) ObjectSkipped() {
	if r == nil {
		return
	}
	r.skipped.Inc()
}

func (r *Recorder) ListFailed() {
	if r == nil {
		return
	}
	r.listFailures.Inc()
}

func (r *Recorder) EnqueueFailed() {
	if r == nil {
		return
	}
	r.enqueueFailures.Inc()
}

func (r *Recorder) DequeueFailed() {
	if r == nil {
		return
	}
	r.dequeueFailures.Inc()
}

// SetQueueDepth records the latest sampled queue length.
func (r *Recorder) SetQueueDepth(depth int64) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// JobStarted increments the in-flight gauge. Pair with JobFinished.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.activeJobs.Inc()
}

// JobFinished records the outcome and duration of a pipeline run and
// decrements the in-flight gauge.
func (r *Recorder) JobFinished(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.activeJobs.Dec()
	r.jobs.WithLabelValues(normalizeName(outcome)).Inc()
	r.jobDuration.Observe(duration.Seconds())
}

// ObserveTranscode records one engine invocation for the named profile.
func (r *Recorder) ObserveTranscode(profile, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	name := normalizeName(profile)
	r.transcodes.WithLabelValues(name, normalizeName(outcome)).Inc()
	r.transcodeLatency.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveUpload records an artifact written to the production store.
func (r *Recorder) ObserveUpload(size int64) {
	if r == nil {
		return
	}
	r.uploadedObjects.Inc()
	if size > 0 {
		r.uploadedBytes.Add(float64(size))
	}
}

// SinkFailed counts a publication sink error.
func (r *Recorder) SinkFailed(sink string) {
	if r == nil {
		return
	}
	r.sinkFailures.WithLabelValues(normalizeName(sink)).Inc()
}

// Handler exposes the registry in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
