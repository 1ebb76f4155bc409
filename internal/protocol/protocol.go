package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Wire constants
const (
	// PathStreamChunk is the HTTP path chunks are posted to.
	PathStreamChunk = "/stream-chunk"

	// MaxBodyBytes caps one request body (50 MB).
	MaxBodyBytes = 50 << 20

	// MaxSessionIDLength bounds the client-chosen session identifier.
	MaxSessionIDLength = 128

	// BytesPerSample is the PCM sample width carried in chunk data.
	BytesPerSample = 2
)

// ChunkRequest is the JSON body of a chunk submission. Pointer fields let the
// server tell an absent field from a zero value.
type ChunkRequest struct {
	SessionID      *string `json:"sessionId"`
	ChunkIndex     *int    `json:"chunkIndex"`
	Data           *string `json:"data"`
	SegmentIndex   *int    `json:"segmentIndex"`
	IsEndOfSegment bool    `json:"isEndOfSegment"`
	IsFinalChunk   bool    `json:"isFinalChunk"`
}

// Chunk is a validated submission with its PCM payload decoded.
type Chunk struct {
	SessionID      string
	SegmentIndex   int
	ChunkIndex     int
	Data           []byte
	IsEndOfSegment bool
	IsFinalChunk   bool
}

// IsMarker reports whether the chunk carries only boundary flags.
func (c Chunk) IsMarker() bool {
	return len(c.Data) == 0 && (c.IsEndOfSegment || c.IsFinalChunk)
}

// NewChunkRequest encodes a chunk for the wire.
func NewChunkRequest(c Chunk) ChunkRequest {
	sessionID := c.SessionID
	chunkIndex := c.ChunkIndex
	segmentIndex := c.SegmentIndex
	data := base64.StdEncoding.EncodeToString(c.Data)
	return ChunkRequest{
		SessionID:      &sessionID,
		ChunkIndex:     &chunkIndex,
		Data:           &data,
		SegmentIndex:   &segmentIndex,
		IsEndOfSegment: c.IsEndOfSegment,
		IsFinalChunk:   c.IsFinalChunk,
	}
}

// Ack is the success response.
type Ack struct {
	Message      string `json:"message"`
	SessionID    string `json:"sessionId"`
	SegmentIndex int    `json:"segmentIndex"`
	ChunkIndex   int    `json:"chunkIndex"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// ValidationError reports a malformed chunk submission.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid chunk: " + e.Reason
	}
	return fmt.Sprintf("invalid chunk: %s (%s)", e.Reason, strings.Join(e.Fields, ", "))
}

// Validate checks required fields and decodes the payload.
func (r *ChunkRequest) Validate() (Chunk, error) {
	var missing []string
	if r.SessionID == nil || strings.TrimSpace(*r.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if r.ChunkIndex == nil {
		missing = append(missing, "chunkIndex")
	}
	if r.Data == nil {
		missing = append(missing, "data")
	}
	if r.SegmentIndex == nil {
		missing = append(missing, "segmentIndex")
	}
	if len(missing) > 0 {
		return Chunk{}, &ValidationError{Fields: missing, Reason: "missing required fields"}
	}

	if len(*r.SessionID) > MaxSessionIDLength {
		return Chunk{}, &ValidationError{
			Fields: []string{"sessionId"},
			Reason: fmt.Sprintf("longer than %d characters", MaxSessionIDLength),
		}
	}
	if *r.ChunkIndex < 0 {
		return Chunk{}, &ValidationError{Fields: []string{"chunkIndex"}, Reason: "must be non-negative"}
	}
	if *r.SegmentIndex < 0 {
		return Chunk{}, &ValidationError{Fields: []string{"segmentIndex"}, Reason: "must be non-negative"}
	}

	data, err := Decode(*r.Data)
	if err != nil {
		return Chunk{}, &ValidationError{Fields: []string{"data"}, Reason: err.Error()}
	}

	c := Chunk{
		SessionID:      *r.SessionID,
		SegmentIndex:   *r.SegmentIndex,
		ChunkIndex:     *r.ChunkIndex,
		Data:           data,
		IsEndOfSegment: r.IsEndOfSegment,
		IsFinalChunk:   r.IsFinalChunk,
	}
	if len(c.Data) == 0 && !c.IsMarker() {
		return Chunk{}, &ValidationError{Fields: []string{"data"}, Reason: "empty data on a non-marker chunk"}
	}
	return c, nil
}

// Decode turns base64 chunk data into PCM bytes and checks sample alignment.
func Decode(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("PCM length must be even (got %d bytes)", len(pcm))
	}
	return pcm, nil
}

func (c Chunk) String() string {
	return fmt.Sprintf("Chunk{Session: %s, Segment: %d, Index: %d, Bytes: %d, EndOfSegment: %t, Final: %t}",
		c.SessionID, c.SegmentIndex, c.ChunkIndex, len(c.Data), c.IsEndOfSegment, c.IsFinalChunk)
}
