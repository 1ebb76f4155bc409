package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/audio"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/config"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/pipeline"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/protocol"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/stream"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/transcription"
)

const (
	serviceName    = "segment-stream-service"
	serviceVersion = "1.0.0"
)

// Components are the server-side collaborators exposed through the API.
// Dispatcher and Transcription may be nil.
type Components struct {
	Registry      *stream.Registry
	Reassembler   *stream.Reassembler
	Status        *pipeline.StatusStore
	Dispatcher    *pipeline.Dispatcher
	Transcription *transcription.Client
}

// HTTPServer provides the chunk ingestion endpoint plus monitoring endpoints
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	comp    Components
	metrics *metrics.Metrics

	maxBodyBytes int64
	startTime    time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, comp Components, m *metrics.Metrics) (*HTTPServer, error) {
	if comp.Registry == nil || comp.Reassembler == nil {
		return nil, fmt.Errorf("registry and reassembler are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = protocol.MaxBodyBytes
	}

	h := &HTTPServer{
		logger:       logger,
		config:       appConfig,
		comp:         comp,
		metrics:      m,
		maxBodyBytes: maxBody,
		startTime:    time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.GetReadTimeoutDuration(),
		WriteTimeout: cfg.GetWriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	return h, nil
}

// Handler returns the routed handler, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Chunk ingestion
	mux.HandleFunc("POST "+protocol.PathStreamChunk, h.withMetrics(protocol.PathStreamChunk, h.handleStreamChunk))

	// Health check endpoint
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("GET /sessions/{id}/segments/{index}", h.withMetrics("/sessions/{id}/segments/{index}", h.handleSegmentStatus))

	// Configuration endpoint
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoints
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("GET /stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", h.metrics.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleStreamChunk implements POST /stream-chunk
func (h *HTTPServer) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req protocol.ChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), nil)
		return
	}

	chunk, err := req.Validate()
	if err != nil {
		var vErr *protocol.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error(), vErr.Fields)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	ack, err := h.comp.Reassembler.SubmitChunk(r.Context(), chunk)
	if err != nil {
		status := statusForError(err)
		if status >= 500 {
			h.logger.Error("Failed to accept chunk",
				slog.String("session_id", chunk.SessionID),
				slog.Int("segment_index", chunk.SegmentIndex),
				slog.Int("chunk_index", chunk.ChunkIndex),
				slog.String("error", err.Error()),
			)
		} else {
			h.logger.Warn("Rejected chunk",
				slog.String("session_id", chunk.SessionID),
				slog.Int("segment_index", chunk.SegmentIndex),
				slog.Int("chunk_index", chunk.ChunkIndex),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error(), nil)
		return
	}

	h.logger.Debug("Chunk accepted",
		slog.String("session_id", chunk.SessionID),
		slog.Int("segment_index", chunk.SegmentIndex),
		slog.Int("chunk_index", chunk.ChunkIndex),
		slog.Int("bytes", len(chunk.Data)),
		slog.Bool("end_of_segment", chunk.IsEndOfSegment),
		slog.Bool("final", chunk.IsFinalChunk),
	)

	writeJSON(w, http.StatusOK, ack)
}

// statusForError maps reassembly errors onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, audio.ErrDuplicateChunk),
		errors.Is(err, stream.ErrSegmentClosed),
		errors.Is(err, stream.ErrSessionFinalized):
		return http.StatusConflict
	case errors.Is(err, stream.ErrTooManySessions),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	components := map[string]interface{}{
		"session_registry": map[string]interface{}{
			"status":          "running",
			"active_sessions": h.comp.Registry.Count(),
		},
	}
	if h.comp.Dispatcher != nil {
		stats := h.comp.Dispatcher.GetStats()
		components["pipeline"] = map[string]interface{}{
			"status":    "running",
			"in_flight": stats.InFlight,
			"failed":    stats.Failed,
		}
	}
	if h.comp.Transcription != nil {
		stats := h.comp.Transcription.GetStats()
		components["transcription"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.comp.Registry.Sessions()
	sessionInfos := make([]stream.SessionInfo, 0, len(sessions))

	for _, session := range sessions {
		sessionInfos = append(sessionInfos, session.GetSessionInfo())
	}

	response := map[string]interface{}{
		"total_sessions": len(sessionInfos),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessionInfos,
	}

	writeJSON(w, http.StatusOK, response)
}

// SessionDetail is the /sessions/{id} response. Session is nil once the
// session has left the registry; its segment statuses remain available.
type SessionDetail struct {
	SessionID   string                   `json:"session_id"`
	Active      bool                     `json:"active"`
	CloseReason string                   `json:"close_reason,omitempty"`
	Session     *stream.SessionInfo      `json:"session,omitempty"`
	Segments    []pipeline.SegmentStatus `json:"segments"`
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	detail := SessionDetail{
		SessionID: sessionID,
		Segments:  h.comp.Status.ForSession(sessionID),
	}
	if detail.Segments == nil {
		detail.Segments = []pipeline.SegmentStatus{}
	}

	if session, exists := h.comp.Registry.Get(sessionID); exists {
		info := session.GetSessionInfo()
		detail.Active = true
		detail.Session = &info
	} else if reason, closed := h.comp.Registry.WasClosed(sessionID); closed {
		detail.CloseReason = reason
	} else if len(detail.Segments) == 0 {
		writeError(w, http.StatusNotFound, "session not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleSegmentStatus implements the /sessions/{id}/segments/{index} endpoint
func (h *HTTPServer) handleSegmentStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid segment index", []string{"index"})
		return
	}

	status, ok := h.comp.Status.Get(sessionID, index)
	if !ok {
		writeError(w, http.StatusNotFound, "segment not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		writeError(w, http.StatusNotFound, "configuration not available", nil)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"max_sessions":     h.config.Server.MaxSessions,
			"session_timeout":  h.config.Server.SessionTimeout,
			"cleanup_interval": h.config.Server.CleanupInterval,
		},
		"http": map[string]interface{}{
			"port":           h.config.HTTP.Port,
			"address":        h.config.HTTP.Address,
			"max_body_bytes": h.config.HTTP.MaxBodyBytes,
		},
		"audio": map[string]interface{}{
			"sample_rate": h.config.Audio.SampleRate,
			"channels":    h.config.Audio.Channels,
			"bit_depth":   h.config.Audio.BitDepth,
		},
		"reassembly": map[string]interface{}{
			"duplicate_policy":     h.config.Reassembly.DuplicatePolicy,
			"drop_gapped_segments": h.config.Reassembly.DropGappedSegments,
		},
		"pipeline": map[string]interface{}{
			"denoise_filter":    h.config.Pipeline.DenoiseFilter,
			"compress_codec":    h.config.Pipeline.CompressCodec,
			"compress_bitrate":  h.config.Pipeline.CompressBitrate,
			"max_concurrent":    h.config.Pipeline.MaxConcurrent,
			"stage_timeout":     h.config.Pipeline.StageTimeout,
			"keep_intermediate": h.config.Pipeline.KeepIntermediate,
		},
		"transcription": map[string]interface{}{
			"enabled":        h.config.Transcription.Enabled,
			"endpoint":       h.config.Transcription.Endpoint,
			"timeout":        h.config.Transcription.Timeout,
			"max_retries":    h.config.Transcription.MaxRetries,
			"max_concurrent": h.config.Transcription.MaxConcurrent,
			"output_format":  h.config.Transcription.OutputFormat,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.comp.Registry.Count(),
		},
		"segments": map[string]interface{}{
			"tracked": h.comp.Status.Len(),
		},
	}
	if h.comp.Dispatcher != nil {
		stats["pipeline"] = h.comp.Dispatcher.GetStats()
	}
	if h.comp.Transcription != nil {
		stats["transcription"] = h.comp.Transcription.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if h.comp.Transcription == nil {
		writeError(w, http.StatusNotFound, "transcription is disabled", nil)
		return
	}

	writeJSON(w, http.StatusOK, h.comp.Transcription.GetStats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Segment Stream Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"POST /stream-chunk":                  "Submit one audio chunk",
			"GET /":                               "API documentation",
			"GET /health":                         "Service health check",
			"GET /sessions":                       "List all active sessions",
			"GET /sessions/{id}":                  "Get session information and segment statuses",
			"GET /sessions/{id}/segments/{index}": "Get the processing status of one segment",
			"GET /config":                         "Get service configuration",
			"GET /stats":                          "Get service statistics",
			"GET /stats/transcription":            "Get transcription statistics",
			"GET /metrics":                        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, fields []string) {
	writeJSON(w, status, protocol.ErrorResponse{Message: message, Fields: fields})
}
