package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/logging"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/transcription"
)

const maxUploadBytes = 10 << 20

// transcribeHandler answers every upload with a canned transcript.
type transcribeHandler struct {
	text   string
	delay  time.Duration
	logger *slog.Logger
}

func (h *transcribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	requestID := r.FormValue("request_id")
	segmentIndex, _ := strconv.Atoi(r.FormValue("segment_index"))
	duration, _ := strconv.ParseFloat(r.FormValue("duration"), 64)

	h.logger.Info("Transcription request received",
		slog.String("request_id", requestID),
		slog.String("session_id", r.FormValue("session_id")),
		slog.Int("segment_index", segmentIndex),
		slog.String("format", r.FormValue("format")),
		slog.Float64("duration", duration),
		slog.String("filename", header.Filename),
		slog.Int("audio_size", len(audioData)),
		slog.String("language", r.FormValue("language")),
		slog.String("user_agent", r.UserAgent()),
	)

	// Simulate processing time
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, h.text)
		return
	}

	response := transcription.Response{
		RequestID:    requestID,
		SessionID:    r.FormValue("session_id"),
		SegmentIndex: segmentIndex,
		Text:         h.text,
		Confidence:   0.95,
		Language:     r.FormValue("language"),
		Duration:     duration,
		ProcessedAt:  time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func main() {
	addr := flag.StringP("addr", "a", ":9000", "Listen address")
	text := flag.String("text", "this is a test transcription", "Transcript returned for every upload")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logging.ParseLevel(*level)}))

	mux := http.NewServeMux()
	mux.Handle("/transcribe", &transcribeHandler{text: *text, delay: *delay, logger: logger})

	logger.Info("Mock transcription server starting",
		slog.String("addr", *addr),
		slog.String("endpoint", "/transcribe"),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
