package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Stage is one external transformation. Run reads the file at input and
// returns the path of the artifact it produced.
type Stage interface {
	Name() string
	Run(ctx context.Context, input string) (string, error)
}

// StageError reports a failed stage. The chain stops at the first one.
type StageError struct {
	Stage  string
	Input  string
	Stderr string
	Err    error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s failed on %s: %v", e.Stage, filepath.Base(e.Input), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// maxStderr bounds how much process output is kept in a StageError.
const maxStderr = 2048

// CommandStage runs an external program that reads input and writes output.
type CommandStage struct {
	name    string
	binary  string
	args    func(input, output string) []string
	output  func(input string) string
	timeout time.Duration
}

// NewCommandStage creates a stage that executes binary with args(input, output).
// A zero timeout leaves the run bounded only by the caller's context.
func NewCommandStage(name, binary string, args func(input, output string) []string, output func(input string) string, timeout time.Duration) *CommandStage {
	return &CommandStage{
		name:    name,
		binary:  binary,
		args:    args,
		output:  output,
		timeout: timeout,
	}
}

// Name returns the stage name used in logs, metrics and errors.
func (s *CommandStage) Name() string {
	return s.name
}

// Run executes the command and returns the output path.
func (s *CommandStage) Run(ctx context.Context, input string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	output := s.output(input)
	cmd := exec.CommandContext(ctx, s.binary, s.args(input, output)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return "", &StageError{
			Stage:  s.name,
			Input:  input,
			Stderr: tail(stderr.String(), maxStderr),
			Err:    err,
		}
	}
	return output, nil
}

// FFmpegOptions configures the denoise and compress stages.
type FFmpegOptions struct {
	Binary          string
	DenoiseFilter   string
	CompressCodec   string
	CompressBitrate string
	Timeout         time.Duration
}

// NewDenoiseStage runs `ffmpeg -y -i in.wav -af <filter> in-cleaned.wav`.
func NewDenoiseStage(opts FFmpegOptions) *CommandStage {
	filter := opts.DenoiseFilter
	if filter == "" {
		filter = "afftdn"
	}
	return NewCommandStage("denoise", binaryOrDefault(opts.Binary),
		func(input, output string) []string {
			return []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input, "-af", filter, output}
		},
		func(input string) string {
			return strings.TrimSuffix(input, filepath.Ext(input)) + "-cleaned.wav"
		},
		opts.Timeout,
	)
}

// NewCompressStage runs `ffmpeg -y -i cleaned.wav -codec:a <codec> -b:a <rate> out.mp3`.
func NewCompressStage(opts FFmpegOptions) *CommandStage {
	codec := opts.CompressCodec
	if codec == "" {
		codec = "libmp3lame"
	}
	bitrate := opts.CompressBitrate
	if bitrate == "" {
		bitrate = "64k"
	}
	return NewCommandStage("compress", binaryOrDefault(opts.Binary),
		func(input, output string) []string {
			return []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input, "-codec:a", codec, "-b:a", bitrate, output}
		},
		func(input string) string {
			base := strings.TrimSuffix(input, filepath.Ext(input))
			return strings.TrimSuffix(base, "-cleaned") + ".mp3"
		},
		opts.Timeout,
	)
}

// DefaultStages returns denoise followed by compress.
func DefaultStages(opts FFmpegOptions) []Stage {
	return []Stage{NewDenoiseStage(opts), NewCompressStage(opts)}
}

func binaryOrDefault(binary string) string {
	if binary == "" {
		return "ffmpeg"
	}
	return binary
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
