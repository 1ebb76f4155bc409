package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
)

// Transcriber turns a compressed audio artifact into text.
type Transcriber interface {
	Transcribe(ctx context.Context, request *Request) (*Response, error)
}

// Client provides HTTP client functionality for transcription API requests
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  *semaphore.Weighted
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	activeRequests  int
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	OutputFormat  string // "json" or "text"
	Language      string
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	UserAgent     string
}

// Request represents one artifact to transcribe
type Request struct {
	RequestID    string        `json:"request_id"`
	SessionID    string        `json:"session_id"`
	SegmentIndex int           `json:"segment_index"`
	Filename     string        `json:"filename"`
	Format       string        `json:"format"` // "mp3", "wav"
	Audio        []byte        `json:"-"`      // sent as the form file
	Duration     time.Duration `json:"duration"`
	Language     string        `json:"language,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Response represents the response from the transcription API
type Response struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	SegmentIndex int       `json:"segment_index"`
	Text         string    `json:"text"`
	Confidence   float32   `json:"confidence"`
	Language     string    `json:"language,omitempty"`
	Segments     []Segment `json:"segments,omitempty"`
	Duration     float64   `json:"duration"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// HTTPError is a non-2xx response from the transcription API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.UserAgent == "" {
		config.UserAgent = "segment-server/1.0"
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  semaphore.NewWeighted(int64(config.MaxConcurrent)),
		logger:     logger,
		metrics:    m,
	}, nil
}

// Transcribe uploads an artifact for transcription, retrying transient failures
func (c *Client) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	if request == nil || len(request.Audio) == 0 {
		return nil, fmt.Errorf("transcription request has no audio")
	}
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	if request.Language == "" {
		request.Language = c.config.Language
	}
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now()
	}

	if err := c.semaphore.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.semaphore.Release(1)
	c.setActive(1)
	defer c.setActive(-1)

	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordTranscriptionRequest()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordTranscriptionRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				c.metrics.RecordTranscriptionFailure(time.Since(startTime).Seconds())
				return nil, ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, request)
		if err == nil {
			elapsed := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(elapsed)
			c.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
			return response, nil
		}

		lastErr = err
		c.logger.Warn("Transcription attempt failed",
			slog.String("request_id", request.RequestID),
			slog.String("session_id", request.SessionID),
			slog.Int("segment_index", request.SegmentIndex),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.metrics.RecordTranscriptionFailure(time.Since(startTime).Seconds())
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// backoff returns the exponential delay before the given retry attempt
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BaseBackoff << (attempt - 1)
	if d <= 0 || d > c.config.MaxBackoff {
		d = c.config.MaxBackoff
	}
	return d
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, request *Request) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(request)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("X-Request-ID", request.RequestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var transcriptionResp Response
	if c.config.OutputFormat == "text" {
		transcriptionResp.Text = string(bytes.TrimSpace(respBody))
	} else if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if transcriptionResp.RequestID == "" {
		transcriptionResp.RequestID = request.RequestID
	}
	transcriptionResp.SessionID = request.SessionID
	transcriptionResp.SegmentIndex = request.SegmentIndex
	transcriptionResp.ProcessedAt = time.Now()

	return &transcriptionResp, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(request *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := request.Filename
	if filename == "" {
		filename = fmt.Sprintf("%s-%d.%s", request.SessionID, request.SegmentIndex, request.Format)
	}
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(request.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"request_id", request.RequestID},
		{"session_id", request.SessionID},
		{"segment_index", strconv.Itoa(request.SegmentIndex)},
		{"format", request.Format},
		{"duration", fmt.Sprintf("%.3f", request.Duration.Seconds())},
		{"request_timestamp", request.Timestamp.Format(time.RFC3339)},
		{"response_format", c.config.OutputFormat},
	}
	if request.Language != "" {
		fields = append(fields, [2]string{"language", request.Language})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed attempt may succeed when repeated
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) setActive(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRequests += delta
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  c.activeRequests,
	}
}

// Close waits for in-flight requests to finish or ctx to expire
func (c *Client) Close(ctx context.Context) error {
	if err := c.semaphore.Acquire(ctx, int64(c.config.MaxConcurrent)); err != nil {
		return err
	}
	c.semaphore.Release(int64(c.config.MaxConcurrent))
	return nil
}

// Noop discards every request. It stands in when no endpoint is configured.
type Noop struct{}

// Transcribe returns an empty response without contacting anything.
func (Noop) Transcribe(_ context.Context, request *Request) (*Response, error) {
	resp := &Response{ProcessedAt: time.Now()}
	if request != nil {
		resp.RequestID = request.RequestID
		resp.SessionID = request.SessionID
		resp.SegmentIndex = request.SegmentIndex
	}
	return resp, nil
}
