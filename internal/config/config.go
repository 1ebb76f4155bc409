package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration shared by the server and the recorder
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Reassembly    ReassemblyConfig    `yaml:"reassembly"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Client        ClientConfig        `yaml:"client"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains session registry limits
type ServerConfig struct {
	MaxSessions           int `yaml:"max_sessions"`
	SessionTimeout        int `yaml:"session_timeout"`         // seconds of inactivity
	CleanupInterval       int `yaml:"cleanup_interval"`        // seconds
	FinalizedSessionCache int `yaml:"finalized_session_cache"` // remembered finalized session ids
	ShutdownTimeout       int `yaml:"shutdown_timeout"`        // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	Enabled      bool   `yaml:"enabled"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// AudioConfig describes the PCM stream carried in chunks
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
}

// ReassemblyConfig controls how chunks are turned into segments
type ReassemblyConfig struct {
	DuplicatePolicy    string `yaml:"duplicate_policy"` // "reject" or "overwrite"
	DropGappedSegments bool   `yaml:"drop_gapped_segments"`
}

// PipelineConfig contains the external audio pipeline configuration
type PipelineConfig struct {
	WorkDir          string `yaml:"work_dir"`
	FFmpegPath       string `yaml:"ffmpeg_path"`
	DenoiseFilter    string `yaml:"denoise_filter"`
	CompressCodec    string `yaml:"compress_codec"`
	CompressBitrate  string `yaml:"compress_bitrate"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	StageTimeout     int    `yaml:"stage_timeout"` // seconds
	KeepIntermediate bool   `yaml:"keep_intermediate"`
	StatusCacheSize  int    `yaml:"status_cache_size"`
}

// TranscriptionConfig contains speech-to-text API configuration
type TranscriptionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
	Language      string `yaml:"language"`
}

// ClientConfig contains recorder configuration
type ClientConfig struct {
	ServerURL        string  `yaml:"server_url"`
	FrameDuration    int     `yaml:"frame_duration"` // milliseconds
	SilenceThreshold float64 `yaml:"silence_threshold"`
	WindowSize       int     `yaml:"window_size"` // frames
	SilenceRatio     float64 `yaml:"silence_ratio"`
	AutoStopDelay    int     `yaml:"auto_stop_delay"` // milliseconds
	DrainInterval    int     `yaml:"drain_interval"`  // milliseconds
	MaxPendingFrames int     `yaml:"max_pending_frames"`
	RequestTimeout   int     `yaml:"request_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MaxSessions:           1000,
			SessionTimeout:        300,
			CleanupInterval:       30,
			FinalizedSessionCache: 4096,
			ShutdownTimeout:       10,
		},
		HTTP: HTTPConfig{
			Port:         3000,
			Address:      "0.0.0.0",
			Enabled:      true,
			MaxBodyBytes: 50 << 20,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
		},
		Reassembly: ReassemblyConfig{
			DuplicatePolicy: "reject",
		},
		Pipeline: PipelineConfig{
			WorkDir:          "uploads",
			FFmpegPath:       "ffmpeg",
			DenoiseFilter:    "afftdn",
			CompressCodec:    "libmp3lame",
			CompressBitrate:  "64k",
			MaxConcurrent:    4,
			StageTimeout:     120,
			KeepIntermediate: true,
			StatusCacheSize:  10000,
		},
		Transcription: TranscriptionConfig{
			Enabled:       false,
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			OutputFormat:  "json",
		},
		Client: ClientConfig{
			ServerURL:        "http://localhost:3000",
			FrameDuration:    128,
			SilenceThreshold: 0.005,
			WindowSize:       15,
			SilenceRatio:     0.8,
			AutoStopDelay:    800,
			DrainInterval:    500,
			MaxPendingFrames: 2048,
			RequestTimeout:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults. An empty path returns
// the validated defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, config.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks every section and reports all failures at once
func (c *Config) Validate() error {
	var result *multierror.Error

	sections := []struct {
		name string
		err  error
	}{
		{"server", c.Server.Validate()},
		{"http", c.HTTP.Validate()},
		{"audio", c.Audio.Validate()},
		{"reassembly", c.Reassembly.Validate()},
		{"pipeline", c.Pipeline.Validate()},
		{"transcription", c.Transcription.Validate()},
		{"client", c.Client.Validate()},
		{"logging", c.Logging.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			result = multierror.Append(result, fmt.Errorf("%s config: %w", s.name, s.err))
		}
	}

	return result.ErrorOrNil()
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var result *multierror.Error

	if s.MaxSessions < 1 {
		result = multierror.Append(result, fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions))
	}
	if s.SessionTimeout < 1 {
		result = multierror.Append(result, fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout))
	}
	if s.CleanupInterval < 1 {
		result = multierror.Append(result, fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval))
	}
	if s.FinalizedSessionCache < 1 {
		result = multierror.Append(result, fmt.Errorf("finalized_session_cache must be at least 1, got %d", s.FinalizedSessionCache))
	}
	if s.ShutdownTimeout < 1 {
		result = multierror.Append(result, fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout))
	}

	return result.ErrorOrNil()
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	var result *multierror.Error
	if h.Port < 1 || h.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port))
	}
	if h.Address == "" {
		result = multierror.Append(result, fmt.Errorf("http address cannot be empty when HTTP is enabled"))
	}
	if h.MaxBodyBytes < 1024 {
		result = multierror.Append(result, fmt.Errorf("max_body_bytes must be at least 1024, got %d", h.MaxBodyBytes))
	}
	if h.ReadTimeout < 1 || h.WriteTimeout < 1 {
		result = multierror.Append(result, fmt.Errorf("read_timeout and write_timeout must be at least 1 second"))
	}

	return result.ErrorOrNil()
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	var result *multierror.Error

	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		result = multierror.Append(result, fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate))
	}
	if a.Channels != 1 {
		result = multierror.Append(result, fmt.Errorf("channels must be 1 (mono), got %d", a.Channels))
	}
	if a.BitDepth != 16 {
		result = multierror.Append(result, fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth))
	}

	return result.ErrorOrNil()
}

// Validate validates reassembly configuration
func (r *ReassemblyConfig) Validate() error {
	if r.DuplicatePolicy != "reject" && r.DuplicatePolicy != "overwrite" {
		return fmt.Errorf("duplicate_policy must be 'reject' or 'overwrite', got '%s'", r.DuplicatePolicy)
	}
	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	var result *multierror.Error

	if p.WorkDir == "" {
		result = multierror.Append(result, fmt.Errorf("work_dir cannot be empty"))
	}
	if p.FFmpegPath == "" {
		result = multierror.Append(result, fmt.Errorf("ffmpeg_path cannot be empty"))
	}
	if p.DenoiseFilter == "" {
		result = multierror.Append(result, fmt.Errorf("denoise_filter cannot be empty"))
	}
	if p.CompressCodec == "" || p.CompressBitrate == "" {
		result = multierror.Append(result, fmt.Errorf("compress_codec and compress_bitrate cannot be empty"))
	}
	if p.MaxConcurrent < 1 {
		result = multierror.Append(result, fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent))
	}
	if p.StageTimeout < 1 {
		result = multierror.Append(result, fmt.Errorf("stage_timeout must be at least 1 second, got %d", p.StageTimeout))
	}
	if p.StatusCacheSize < 1 {
		result = multierror.Append(result, fmt.Errorf("status_cache_size must be at least 1, got %d", p.StatusCacheSize))
	}

	return result.ErrorOrNil()
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	var result *multierror.Error
	if t.Endpoint == "" {
		result = multierror.Append(result, fmt.Errorf("endpoint cannot be empty when transcription is enabled"))
	}
	if t.Timeout < 1 {
		result = multierror.Append(result, fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout))
	}
	if t.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries))
	}
	if t.MaxConcurrent < 1 {
		result = multierror.Append(result, fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent))
	}
	if t.OutputFormat != "json" && t.OutputFormat != "text" {
		result = multierror.Append(result, fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat))
	}

	return result.ErrorOrNil()
}

// Validate validates recorder configuration
func (c *ClientConfig) Validate() error {
	var result *multierror.Error

	if c.ServerURL == "" {
		result = multierror.Append(result, fmt.Errorf("server_url cannot be empty"))
	}
	if c.FrameDuration < 10 || c.FrameDuration > 1000 {
		result = multierror.Append(result, fmt.Errorf("frame_duration must be between 10 and 1000 ms, got %d", c.FrameDuration))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		result = multierror.Append(result, fmt.Errorf("silence_threshold must be between 0 and 1, got %f", c.SilenceThreshold))
	}
	if c.WindowSize < 1 {
		result = multierror.Append(result, fmt.Errorf("window_size must be at least 1, got %d", c.WindowSize))
	}
	if c.SilenceRatio <= 0 || c.SilenceRatio > 1 {
		result = multierror.Append(result, fmt.Errorf("silence_ratio must be in (0, 1], got %f", c.SilenceRatio))
	}
	if c.AutoStopDelay < 1 {
		result = multierror.Append(result, fmt.Errorf("auto_stop_delay must be positive, got %d", c.AutoStopDelay))
	}
	if c.DrainInterval < 1 {
		result = multierror.Append(result, fmt.Errorf("drain_interval must be positive, got %d", c.DrainInterval))
	}
	if c.MaxPendingFrames < 0 {
		result = multierror.Append(result, fmt.Errorf("max_pending_frames cannot be negative, got %d", c.MaxPendingFrames))
	}
	if c.RequestTimeout < 1 {
		result = multierror.Append(result, fmt.Errorf("request_timeout must be at least 1 second, got %d", c.RequestTimeout))
	}

	return result.ErrorOrNil()
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var result *multierror.Error

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		result = multierror.Append(result, fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		result = multierror.Append(result, fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format))
	}

	// Output is stdout, stderr or a file path; every value is accepted.
	return result.ErrorOrNil()
}

// GetSessionTimeoutDuration returns the session idle timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (s *ServerConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetStageTimeoutDuration returns the per-stage timeout as a time.Duration
func (p *PipelineConfig) GetStageTimeoutDuration() time.Duration {
	return time.Duration(p.StageTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetFrameDuration returns the capture frame duration as a time.Duration
func (c *ClientConfig) GetFrameDuration() time.Duration {
	return time.Duration(c.FrameDuration) * time.Millisecond
}

// GetAutoStopDelay returns the silence delay as a time.Duration
func (c *ClientConfig) GetAutoStopDelay() time.Duration {
	return time.Duration(c.AutoStopDelay) * time.Millisecond
}

// GetDrainInterval returns the periodic drain interval as a time.Duration
func (c *ClientConfig) GetDrainInterval() time.Duration {
	return time.Duration(c.DrainInterval) * time.Millisecond
}

// GetRequestTimeoutDuration returns the per-chunk request timeout as a time.Duration
func (c *ClientConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
