package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	flag "github.com/spf13/pflag"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/audio"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/config"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/logging"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/pipeline"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/server"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/stream"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "segment-stream-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.StringP("config", "c", defaultConfigPath, "Path to configuration file (empty for defaults)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.HTTP.Enabled {
		fmt.Fprintln(os.Stderr, "HTTP must be enabled: it is the only ingest transport")
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Int("bit_depth", cfg.Audio.BitDepth),
		slog.String("duplicate_policy", cfg.Reassembly.DuplicatePolicy),
		slog.String("work_dir", cfg.Pipeline.WorkDir),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service stopped with errors", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	clk := clock.Real{}

	status, err := pipeline.NewStatusStore(cfg.Pipeline.StatusCacheSize, clk)
	if err != nil {
		return fmt.Errorf("failed to create status store: %w", err)
	}

	// Transcription is optional; without it artifacts stay in the work directory
	var transcriber transcription.Transcriber = transcription.Noop{}
	var transcriptionClient *transcription.Client
	if cfg.Transcription.Enabled {
		transcriptionClient, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			OutputFormat:  cfg.Transcription.OutputFormat,
			Language:      cfg.Transcription.Language,
			UserAgent:     serviceName + "/" + serviceVersion,
		}, logging.NewComponentLogger(logger, "transcription"), appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create transcription client: %w", err)
		}
		transcriber = transcriptionClient
		logger.Info("Transcription client initialized",
			slog.String("endpoint", cfg.Transcription.Endpoint),
		)
	}

	stages := pipeline.DefaultStages(pipeline.FFmpegOptions{
		Binary:          cfg.Pipeline.FFmpegPath,
		DenoiseFilter:   cfg.Pipeline.DenoiseFilter,
		CompressCodec:   cfg.Pipeline.CompressCodec,
		CompressBitrate: cfg.Pipeline.CompressBitrate,
		Timeout:         cfg.Pipeline.GetStageTimeoutDuration(),
	})
	dispatcher, err := pipeline.NewDispatcher(pipeline.Config{
		WorkDir:              cfg.Pipeline.WorkDir,
		MaxConcurrent:        cfg.Pipeline.MaxConcurrent,
		KeepIntermediate:     cfg.Pipeline.KeepIntermediate,
		TranscriptionTimeout: cfg.Transcription.GetTimeoutDuration() * 4,
	}, stages, transcriber, status, logging.NewComponentLogger(logger, "pipeline"), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create pipeline dispatcher: %w", err)
	}

	registry, err := stream.NewRegistry(stream.RegistryConfig{
		MaxSessions:        cfg.Server.MaxSessions,
		SessionTimeout:     cfg.Server.GetSessionTimeoutDuration(),
		CleanupInterval:    cfg.Server.GetCleanupIntervalDuration(),
		FinalizedCacheSize: cfg.Server.FinalizedSessionCache,
	}, clk, logging.NewComponentLogger(logger, "registry"), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	reassembler, err := stream.NewReassembler(stream.ReassemblerConfig{
		Format: audio.Format{
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			BitsPerSample: cfg.Audio.BitDepth,
		},
		DuplicatePolicy:    audio.DuplicatePolicy(cfg.Reassembly.DuplicatePolicy),
		DropGappedSegments: cfg.Reassembly.DropGappedSegments,
	}, registry, dispatcher, status, logging.NewComponentLogger(logger, "reassembler"), appMetrics)
	if err != nil {
		registry.Stop()
		return fmt.Errorf("failed to create reassembler: %w", err)
	}
	logger.Info("Session registry initialized",
		slog.Duration("session_timeout", cfg.Server.GetSessionTimeoutDuration()),
		slog.Int("pipeline_stages", len(stages)),
	)

	httpServer, err := server.NewHTTPServer(cfg.HTTP, logging.NewComponentLogger(logger, "http"), cfg, server.Components{
		Registry:      registry,
		Reassembler:   reassembler,
		Status:        status,
		Dispatcher:    dispatcher,
		Transcription: transcriptionClient,
	}, appMetrics)
	if err != nil {
		registry.Stop()
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if err := httpServer.Start(); err != nil {
		registry.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...")
	<-ctx.Done()
	stop()

	logger.Info("Starting graceful shutdown...",
		slog.Duration("timeout", cfg.Server.GetShutdownTimeoutDuration()),
	)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	var result *multierror.Error

	// Stop HTTP server first (stop accepting new chunks)
	if err := httpServer.Stop(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http server: %w", err))
	}

	// Let in-flight assemblies finish, then cancel open sessions
	if err := reassembler.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("reassembler: %w", err))
	}

	registry.Stop()

	if err := dispatcher.Close(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("dispatcher: %w", err))
	}

	if transcriptionClient != nil {
		if err := transcriptionClient.Close(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("transcription client: %w", err))
		}
	}

	// Get final statistics
	stats := dispatcher.GetStats()
	logger.Info("Final pipeline statistics",
		slog.Uint64("dispatched", stats.Dispatched),
		slog.Uint64("succeeded", stats.Succeeded),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("cancelled", stats.Cancelled),
	)

	return result.ErrorOrNil()
}
