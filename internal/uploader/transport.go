package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/pipeline"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/protocol"
)

// maxResponseBytes caps how much of a server response is read.
const maxResponseBytes = 1 << 20

// ErrStatusNotFound is returned when the server has no record of a segment.
var ErrStatusNotFound = errors.New("segment status not found")

// Transport delivers chunks to the server.
type Transport interface {
	SubmitChunk(ctx context.Context, chunk protocol.Chunk) (*protocol.Ack, error)
}

// TransportError reports a chunk the server did not acknowledge. StatusCode
// is zero when no response was received.
type TransportError struct {
	SegmentIndex int
	ChunkIndex   int
	StatusCode   int
	Message      string
	Err          error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server rejected segment %d chunk %d: %d %s",
			e.SegmentIndex, e.ChunkIndex, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("failed to send segment %d chunk %d: %v", e.SegmentIndex, e.ChunkIndex, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPTransport posts chunks as JSON to the server's stream-chunk endpoint.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for the server at serverURL.
func NewHTTPTransport(serverURL string, timeout time.Duration, logger *slog.Logger) (*HTTPTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", serverURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &HTTPTransport{
		baseURL:    strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// SubmitChunk sends one chunk and decodes the acknowledgement.
func (t *HTTPTransport) SubmitChunk(ctx context.Context, chunk protocol.Chunk) (*protocol.Ack, error) {
	body, err := json.Marshal(protocol.NewChunkRequest(chunk))
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+protocol.PathStreamChunk, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{SegmentIndex: chunk.SegmentIndex, ChunkIndex: chunk.ChunkIndex, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{SegmentIndex: chunk.SegmentIndex, ChunkIndex: chunk.ChunkIndex, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			SegmentIndex: chunk.SegmentIndex,
			ChunkIndex:   chunk.ChunkIndex,
			StatusCode:   resp.StatusCode,
			Message:      errorMessage(data),
		}
	}

	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, &TransportError{
			SegmentIndex: chunk.SegmentIndex,
			ChunkIndex:   chunk.ChunkIndex,
			StatusCode:   resp.StatusCode,
			Err:          fmt.Errorf("failed to decode acknowledgement: %w", err),
		}
	}

	t.logger.Debug("Chunk acknowledged",
		slog.String("session_id", chunk.SessionID),
		slog.Int("segment_index", chunk.SegmentIndex),
		slog.Int("chunk_index", chunk.ChunkIndex),
		slog.Bool("end_of_segment", chunk.IsEndOfSegment),
		slog.Bool("final", chunk.IsFinalChunk),
	)

	return &ack, nil
}

// SegmentStatus fetches the server-side processing status of a segment.
func (t *HTTPTransport) SegmentStatus(ctx context.Context, sessionID string, segmentIndex int) (*pipeline.SegmentStatus, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s/segments/%d", t.baseURL, url.PathEscape(sessionID), segmentIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment status: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read segment status: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrStatusNotFound
	default:
		return nil, fmt.Errorf("segment status request failed: %d %s", resp.StatusCode, errorMessage(data))
	}

	var status pipeline.SegmentStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode segment status: %w", err)
	}
	return &status, nil
}

func errorMessage(body []byte) string {
	var errResp protocol.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return errResp.Message
	}
	return strings.TrimSpace(string(body))
}
