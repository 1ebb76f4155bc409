package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the recorder and the segment server.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Chunk ingestion metrics
	ChunksReceived  *prometheus.CounterVec
	ChunkBytes      prometheus.Counter
	DuplicateChunks *prometheus.CounterVec

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	SessionsRejected  prometheus.Counter

	// Segment assembly metrics
	SegmentsAssembled *prometheus.CounterVec
	MissingChunks     prometheus.Counter
	SegmentSize       prometheus.Histogram
	SegmentDuration   prometheus.Histogram

	// Pipeline metrics
	PipelineJobs          *prometheus.CounterVec
	PipelineInFlight      prometheus.Gauge
	PipelineStageDuration *prometheus.HistogramVec
	PipelineStageFailures *prometheus.CounterVec

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// Recorder metrics
	FramesCaptured    *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	ChunksSent        *prometheus.CounterVec
	SegmentBoundaries prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New creates all metrics and registers them on reg. When reg also implements
// prometheus.Gatherer, Handler serves from it.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	return &Metrics{
		gatherer: gatherer,

		// Chunk ingestion metrics
		ChunksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_chunks_received_total",
			Help: "Total number of chunk submissions by outcome",
		}, []string{"result"}),
		ChunkBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_chunk_bytes_total",
			Help: "Total number of decoded PCM bytes accepted",
		}),
		DuplicateChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_duplicate_chunks_total",
			Help: "Total number of chunk indices submitted more than once",
		}, []string{"action"}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "segstream_active_sessions",
			Help: "Current number of open upload sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_sessions_closed_total",
			Help: "Total number of sessions removed by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segstream_session_duration_seconds",
			Help:    "Lifetime of upload sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_sessions_rejected_total",
			Help: "Total number of sessions refused at capacity",
		}),

		// Segment assembly metrics
		SegmentsAssembled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_segments_assembled_total",
			Help: "Total number of closed segments by assembly outcome",
		}, []string{"result"}),
		MissingChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_missing_chunks_total",
			Help: "Total number of chunk indices absent at assembly",
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segstream_segment_size_bytes",
			Help:    "Size of assembled WAV segments in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~16MB
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segstream_segment_duration_seconds",
			Help:    "Audio duration of assembled segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		// Pipeline metrics
		PipelineJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_pipeline_jobs_total",
			Help: "Total number of pipeline jobs by outcome",
		}, []string{"result"}),
		PipelineInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "segstream_pipeline_in_flight",
			Help: "Current number of pipeline jobs holding a worker slot",
		}),
		PipelineStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segstream_pipeline_stage_duration_seconds",
			Help:    "Duration of external pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"stage"}),
		PipelineStageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_pipeline_stage_failures_total",
			Help: "Total number of failed pipeline stages",
		}, []string{"stage"}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segstream_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// Recorder metrics
		FramesCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_frames_captured_total",
			Help: "Total number of captured frames by classification",
		}, []string{"classification"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_frames_dropped_total",
			Help: "Total number of frames dropped on a full queue",
		}),
		ChunksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_chunks_sent_total",
			Help: "Total number of chunks submitted by the recorder",
		}, []string{"kind", "result"}),
		SegmentBoundaries: factory.NewCounter(prometheus.CounterOpts{
			Name: "segstream_segment_boundaries_total",
			Help: "Total number of silence-triggered segment boundaries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segstream_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segstream_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the registered metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordChunk records one chunk submission outcome and its payload size
func (m *Metrics) RecordChunk(result string, sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksReceived.WithLabelValues(result).Inc()
	if sizeBytes > 0 {
		m.ChunkBytes.Add(float64(sizeBytes))
	}
}

// RecordDuplicateChunk records a repeated chunk index and what was done with it
func (m *Metrics) RecordDuplicateChunk(action string) {
	if m == nil {
		return
	}
	m.DuplicateChunks.WithLabelValues(action).Inc()
}

// SetActiveSessions sets the current number of open sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionClosed records a removed session and its lifetime
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected increments the capacity rejection counter
func (m *Metrics) RecordSessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// RecordSegmentAssembled records an assembled segment
func (m *Metrics) RecordSegmentAssembled(result string, sizeBytes int, durationSeconds float64, missing int) {
	if m == nil {
		return
	}
	m.SegmentsAssembled.WithLabelValues(result).Inc()
	if sizeBytes > 0 {
		m.SegmentSize.Observe(float64(sizeBytes))
		m.SegmentDuration.Observe(durationSeconds)
	}
	if missing > 0 {
		m.MissingChunks.Add(float64(missing))
	}
}

// RecordPipelineJob records the outcome of a dispatched job
func (m *Metrics) RecordPipelineJob(result string) {
	if m == nil {
		return
	}
	m.PipelineJobs.WithLabelValues(result).Inc()
}

// AddPipelineInFlight adjusts the in-flight job gauge
func (m *Metrics) AddPipelineInFlight(delta int) {
	if m == nil {
		return
	}
	m.PipelineInFlight.Add(float64(delta))
}

// RecordPipelineStage records one stage run
func (m *Metrics) RecordPipelineStage(stage string, durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.PipelineStageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if failed {
		m.PipelineStageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordFrame records a captured frame by classification
func (m *Metrics) RecordFrame(classification string) {
	if m == nil {
		return
	}
	m.FramesCaptured.WithLabelValues(classification).Inc()
}

// RecordFrameDropped increments the dropped frames counter
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordChunkSent records a submitted chunk; kind is "data" or "marker"
func (m *Metrics) RecordChunkSent(kind, result string) {
	if m == nil {
		return
	}
	m.ChunksSent.WithLabelValues(kind, result).Inc()
}

// RecordSegmentBoundary increments the segment boundary counter
func (m *Metrics) RecordSegmentBoundary() {
	if m == nil {
		return
	}
	m.SegmentBoundaries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
