package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/pipeline"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/protocol"
)

func TestNewHTTPTransportValidation(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:3000", false},
		{"https://example.com/", false},
		{"ftp://example.com", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		_, err := NewHTTPTransport(tt.url, time.Second, nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewHTTPTransport(%q): expected error %v, got %v", tt.url, tt.wantErr, err)
		}
	}
}

func TestHTTPTransportSubmitChunk(t *testing.T) {
	var got protocol.ChunkRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != protocol.PathStreamChunk {
			t.Errorf("Expected POST %s, got %s %s", protocol.PathStreamChunk, r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		json.NewEncoder(w).Encode(protocol.Ack{Message: "chunk received", SessionID: *got.SessionID, SegmentIndex: *got.SegmentIndex, ChunkIndex: *got.ChunkIndex})
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(server.URL+"/", time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}

	ack, err := transport.SubmitChunk(context.Background(), protocol.Chunk{
		SessionID:    "s1",
		SegmentIndex: 2,
		ChunkIndex:   5,
		Data:         []byte{1, 2, 3, 4},
	})
	if err != nil {
		t.Fatalf("SubmitChunk failed: %v", err)
	}
	if ack.SessionID != "s1" || ack.SegmentIndex != 2 || ack.ChunkIndex != 5 {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	if *got.Data != "AQIDBA==" {
		t.Errorf("Expected base64 data AQIDBA==, got %s", *got.Data)
	}
	if got.IsEndOfSegment || got.IsFinalChunk {
		t.Error("Expected no marker flags on a data chunk")
	}
}

func TestHTTPTransportRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Message: "duplicate chunk index"})
	}))
	defer server.Close()

	transport, _ := NewHTTPTransport(server.URL, time.Second, nil)
	_, err := transport.SubmitChunk(context.Background(), protocol.Chunk{SessionID: "s", ChunkIndex: 3, Data: []byte{0, 0}})

	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if tErr.StatusCode != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, tErr.StatusCode)
	}
	if tErr.Message != "duplicate chunk index" {
		t.Errorf("Expected server message, got %q", tErr.Message)
	}
	if tErr.ChunkIndex != 3 {
		t.Errorf("Expected chunk index 3, got %d", tErr.ChunkIndex)
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	transport, _ := NewHTTPTransport(url, time.Second, nil)
	_, err := transport.SubmitChunk(context.Background(), protocol.Chunk{SessionID: "s", Data: []byte{0, 0}})

	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if tErr.StatusCode != 0 || tErr.Err == nil {
		t.Errorf("Expected a connection error without status, got %+v", tErr)
	}
}

func TestHTTPTransportSegmentStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/s1/segments/0":
			json.NewEncoder(w).Encode(pipeline.SegmentStatus{SessionID: "s1", SegmentIndex: 0, State: pipeline.StateDone, Transcript: "hello"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{Message: "segment not found"})
		}
	}))
	defer server.Close()

	transport, _ := NewHTTPTransport(server.URL, time.Second, nil)

	status, err := transport.SegmentStatus(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("SegmentStatus failed: %v", err)
	}
	if status.State != pipeline.StateDone || status.Transcript != "hello" {
		t.Errorf("Unexpected status: %+v", status)
	}

	if _, err := transport.SegmentStatus(context.Background(), "s1", 7); !errors.Is(err, ErrStatusNotFound) {
		t.Errorf("Expected ErrStatusNotFound, got %v", err)
	}
}
