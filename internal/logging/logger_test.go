package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.input, tt.expected, got)
		}
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	logger, closer := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})

	NewComponentLogger(logger, "reassembler").Info("segment assembled", slog.Int("segment_index", 3))
	logger.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"component":"reassembler"`) || !strings.Contains(out, `"segment_index":3`) {
		t.Errorf("Expected component and attribute in output, got %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("Expected debug record filtered at info level")
	}
}

func TestNewComponentLoggerNilBase(t *testing.T) {
	logger := NewComponentLogger(nil, "test")
	logger.Info("dropped")
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Error("Expected discard logger to be disabled")
	}
}
