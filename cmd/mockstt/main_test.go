package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/transcription"
)

func newTestHandler() *transcribeHandler {
	return &transcribeHandler{text: "hello world", logger: slog.New(slog.DiscardHandler)}
}

func TestTranscribeHandlerWithClient(t *testing.T) {
	server := httptest.NewServer(newTestHandler())
	defer server.Close()

	tests := []struct {
		format string
		want   string
	}{
		{"json", "hello world"},
		{"text", "hello world"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			client, err := transcription.NewClient(transcription.Config{
				Endpoint:     server.URL,
				Timeout:      time.Second,
				OutputFormat: tt.format,
			}, nil, nil)
			if err != nil {
				t.Fatalf("Failed to create client: %v", err)
			}

			resp, err := client.Transcribe(context.Background(), &transcription.Request{
				RequestID:    "req-1",
				SessionID:    "s1",
				SegmentIndex: 2,
				Format:       "mp3",
				Audio:        []byte{1, 2, 3},
				Duration:     time.Second,
			})
			if err != nil {
				t.Fatalf("Transcribe failed: %v", err)
			}
			if resp.Text != tt.want {
				t.Errorf("Expected text %q, got %q", tt.want, resp.Text)
			}
			if resp.SegmentIndex != 2 {
				t.Errorf("Expected segment index 2, got %d", resp.SegmentIndex)
			}
		})
	}
}

func TestTranscribeHandlerRejects(t *testing.T) {
	handler := newTestHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transcribe", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}
