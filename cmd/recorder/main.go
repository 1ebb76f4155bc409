package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/audio"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/capture"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/config"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/logging"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/pipeline"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/uploader"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/vad"
)

const statusPollInterval = 500 * time.Millisecond

func main() {
	configPath := flag.StringP("config", "c", "", "Path to configuration file (empty for defaults)")
	input := flag.StringP("input", "i", "-", "PCM or WAV file to stream, - for stdin")
	serverURL := flag.String("server", "", "Server base URL (overrides client.server_url)")
	paced := flag.Bool("paced", true, "Emit frames in real time like a live microphone")
	awaitStatus := flag.Duration("await-status", 0, "After stopping, poll segment statuses for up to this long")
	metricsAddr := flag.String("metrics-addr", "", "Serve client metrics on this address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	if err := run(cfg, logger, *input, *paced, *awaitStatus, *metricsAddr); err != nil {
		logger.Error("Recording failed", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, input string, paced bool, awaitStatus time.Duration, metricsAddr string) error {
	var reader io.Reader = os.Stdin
	if input != "-" {
		file, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer file.Close()
		reader = file
	}

	source, err := capture.NewSource(reader, capture.Config{
		Format: audio.Format{
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			BitsPerSample: cfg.Audio.BitDepth,
		},
		FrameDuration: cfg.Client.GetFrameDuration(),
		Paced:         paced,
	}, nil)
	if err != nil {
		return err
	}

	appMetrics := metrics.NewMetrics()

	transport, err := uploader.NewHTTPTransport(cfg.Client.ServerURL, cfg.Client.GetRequestTimeoutDuration(),
		logging.NewComponentLogger(logger, "transport"))
	if err != nil {
		return err
	}

	statusLogger := logging.NewComponentLogger(logger, "status")
	up, err := uploader.New(uploader.Config{
		SilenceThreshold: cfg.Client.SilenceThreshold,
		Segmenter: vad.SegmenterConfig{
			WindowSize:    cfg.Client.WindowSize,
			SilenceRatio:  cfg.Client.SilenceRatio,
			AutoStopDelay: cfg.Client.GetAutoStopDelay(),
		},
		DrainInterval:    cfg.Client.GetDrainInterval(),
		MaxPendingFrames: cfg.Client.MaxPendingFrames,
		RequestTimeout:   cfg.Client.GetRequestTimeoutDuration(),
		OnStatus: func(s uploader.Status) {
			statusLogger.Debug("Status changed", slog.String("status", string(s)))
		},
	}, transport, nil, logging.NewComponentLogger(logger, "uploader"), appMetrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID, err := up.Start(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	logger.Info("Streaming audio",
		slog.String("session_id", sessionID),
		slog.String("server", cfg.Client.ServerURL),
		slog.Bool("paced", paced),
	)

	// The metrics listener lives as long as the frame pump
	pumpCtx, pumpDone := context.WithCancel(ctx)
	defer pumpDone()
	eg, egCtx := errgroup.WithContext(pumpCtx)
	eg.Go(func() error {
		defer pumpDone()
		frames, streamErrs := source.Stream(egCtx)
		for frame := range frames {
			if _, err := up.PushFrame(frame); err != nil && !errors.Is(err, audio.ErrQueueFull) {
				return fmt.Errorf("failed to push frame: %w", err)
			}
		}
		if err := <-streamErrs; err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		return nil
	})
	if metricsAddr != "" {
		metricsServer := &http.Server{Addr: metricsAddr, Handler: appMetrics.Handler()}
		eg.Go(func() error {
			<-egCtx.Done()
			return metricsServer.Close()
		})
		eg.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Metrics server error", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	pumpErr := eg.Wait()
	if ctx.Err() != nil {
		logger.Info("Interrupted, finalizing session")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Client.GetRequestTimeoutDuration())
	defer cancel()
	if err := up.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", sessionID, err)
	}

	stats := up.GetStats()
	logger.Info("Session finalized",
		slog.String("session_id", sessionID),
		slog.Uint64("frames", stats.FramesPushed),
		slog.Uint64("frames_dropped", stats.FramesDropped),
		slog.Uint64("chunks_sent", stats.ChunksSent),
		slog.Uint64("markers_sent", stats.MarkersSent),
		slog.Uint64("truncated_bytes", source.GetStats().Truncated),
	)

	if awaitStatus > 0 {
		awaitSegments(transport, sessionID, int(stats.MarkersSent), awaitStatus, logger)
	}

	return pumpErr
}

// awaitSegments polls every segment until it reaches a terminal state or the
// deadline passes, then logs the outcome.
func awaitSegments(transport *uploader.HTTPTransport, sessionID string, segments int, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for idx := 0; idx < segments; idx++ {
		status := pollSegment(ctx, transport, sessionID, idx)
		if status == nil {
			logger.Warn("Segment status unavailable", slog.Int("segment_index", idx))
			continue
		}
		logger.Info("Segment status",
			slog.Int("segment_index", idx),
			slog.String("state", string(status.State)),
			slog.Int("bytes", status.Bytes),
			slog.Any("missing", status.Missing),
			slog.String("artifact", status.Artifact),
			slog.String("transcript", status.Transcript),
			slog.String("error", status.Error),
		)
	}
}

func pollSegment(ctx context.Context, transport *uploader.HTTPTransport, sessionID string, idx int) *pipeline.SegmentStatus {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	var last *pipeline.SegmentStatus
	for {
		status, err := transport.SegmentStatus(ctx, sessionID, idx)
		if err == nil {
			last = status
			if status.State.Terminal() {
				return status
			}
		}

		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}
