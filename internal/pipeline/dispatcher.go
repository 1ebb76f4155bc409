package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/transcription"
)

// ErrClosed is returned for jobs dispatched after Close.
var ErrClosed = errors.New("dispatcher closed")

// Job is one assembled segment ready for processing.
type Job struct {
	SessionID    string
	SegmentIndex int
	WAV          []byte
	Duration     time.Duration
	Missing      []int
}

// Key identifies the job's segment.
func (j Job) Key() Key {
	return Key{SessionID: j.SessionID, SegmentIndex: j.SegmentIndex}
}

// Result is the outcome of a job. Artifact is the final stage output.
type Result struct {
	Key      Key
	Input    string
	Artifact string
	Err      error
}

// Config contains dispatcher configuration
type Config struct {
	WorkDir              string
	MaxConcurrent        int
	KeepIntermediate     bool
	TranscriptionTimeout time.Duration
}

// DispatcherStats represents dispatcher statistics
type DispatcherStats struct {
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
	InFlight   int64  `json:"in_flight"`
}

// Dispatcher runs assembled segments through the stage chain with bounded
// concurrency and forwards final artifacts to the transcriber.
type Dispatcher struct {
	cfg         Config
	stages      []Stage
	transcriber transcription.Transcriber
	status      *StatusStore
	logger      *slog.Logger
	metrics     *metrics.Metrics

	sem      *semaphore.Weighted
	baseCtx  context.Context
	cancel   context.CancelFunc
	jobs     sync.WaitGroup
	forwards sync.WaitGroup

	mu     sync.Mutex
	closed bool

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	cancelled  atomic.Uint64
	inFlight   atomic.Int64
}

// NewDispatcher creates a dispatcher. transcriber and status may be nil.
func NewDispatcher(cfg Config, stages []Stage, transcriber transcription.Transcriber, status *StatusStore, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory cannot be empty")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.TranscriptionTimeout <= 0 {
		cfg.TranscriptionTimeout = 2 * time.Minute
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory %s: %w", cfg.WorkDir, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:         cfg,
		stages:      stages,
		transcriber: transcriber,
		status:      status,
		logger:      logger,
		metrics:     m,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}, nil
}

// Dispatch processes job in the background. The returned channel receives
// exactly one Result and is then closed. Cancelling ctx aborts the job
// between or during stages.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) <-chan Result {
	out := make(chan Result, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		out <- Result{Key: job.Key(), Err: ErrClosed}
		close(out)
		return out
	}
	d.jobs.Add(1)
	d.mu.Unlock()

	d.dispatched.Add(1)
	go func() {
		defer d.jobs.Done()
		out <- d.run(ctx, job)
		close(out)
	}()
	return out
}

func (d *Dispatcher) run(ctx context.Context, job Job) Result {
	key := job.Key()
	logger := d.logger.With(
		slog.String("session_id", job.SessionID),
		slog.Int("segment_index", job.SegmentIndex),
	)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return d.abort(key, logger, fmt.Errorf("waiting for worker slot: %w", err))
	}
	defer d.sem.Release(1)

	d.inFlight.Add(1)
	d.metrics.AddPipelineInFlight(1)
	defer func() {
		d.inFlight.Add(-1)
		d.metrics.AddPipelineInFlight(-1)
	}()

	d.status.SetState(key, StateProcessing)

	input, err := d.writeInput(job)
	if err != nil {
		return d.fail(key, logger, "", err)
	}

	current := input
	var intermediates []string
	for _, stage := range d.stages {
		if err := ctx.Err(); err != nil {
			return d.abort(key, logger, err)
		}

		start := time.Now()
		output, err := stage.Run(ctx, current)
		elapsed := time.Since(start)
		d.metrics.RecordPipelineStage(stage.Name(), elapsed.Seconds(), err != nil)

		if err != nil {
			var stageErr *StageError
			if !errors.As(err, &stageErr) {
				err = &StageError{Stage: stage.Name(), Input: current, Err: err}
			}
			if ctx.Err() != nil {
				return d.abort(key, logger, err)
			}
			return d.fail(key, logger, input, err)
		}

		logger.Debug("Pipeline stage completed",
			slog.String("stage", stage.Name()),
			slog.String("output", output),
			slog.Duration("elapsed", elapsed),
		)
		intermediates = append(intermediates, current)
		current = output
	}

	if !d.cfg.KeepIntermediate {
		for _, path := range intermediates {
			if path == current {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Failed to remove intermediate file", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
	}

	d.status.Update(key, func(st *SegmentStatus) {
		st.State = StateDone
		st.Artifact = current
	})
	d.succeeded.Add(1)
	d.metrics.RecordPipelineJob("done")
	logger.Info("Segment processed", slog.String("artifact", current))

	d.forward(key, job, current, logger)

	return Result{Key: key, Input: input, Artifact: current}
}

func (d *Dispatcher) fail(key Key, logger *slog.Logger, input string, err error) Result {
	d.failed.Add(1)
	d.metrics.RecordPipelineJob("failed")
	d.status.Fail(key, err)
	logger.Error("Pipeline failed", slog.String("error", err.Error()))
	return Result{Key: key, Input: input, Err: err}
}

func (d *Dispatcher) abort(key Key, logger *slog.Logger, err error) Result {
	d.cancelled.Add(1)
	d.metrics.RecordPipelineJob("cancelled")
	d.status.Fail(key, err)
	logger.Warn("Pipeline cancelled", slog.String("error", err.Error()))
	return Result{Key: key, Err: err}
}

// writeInput stores the WAV under <work_dir>/<session>/segment-NNNN.wav.
func (d *Dispatcher) writeInput(job Job) (string, error) {
	dir := filepath.Join(d.cfg.WorkDir, SafeName(job.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("segment-%04d.wav", job.SegmentIndex))
	if err := os.WriteFile(path, job.WAV, 0o644); err != nil {
		return "", fmt.Errorf("failed to write segment WAV: %w", err)
	}
	return path, nil
}

// forward hands the artifact to the transcriber without blocking the job.
func (d *Dispatcher) forward(key Key, job Job, artifact string, logger *slog.Logger) {
	if d.transcriber == nil {
		return
	}

	d.forwards.Add(1)
	go func() {
		defer d.forwards.Done()

		ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.TranscriptionTimeout)
		defer cancel()

		data, err := os.ReadFile(artifact)
		if err != nil {
			logger.Warn("Failed to read artifact for transcription", slog.String("error", err.Error()))
			return
		}

		resp, err := d.transcriber.Transcribe(ctx, &transcription.Request{
			SessionID:    job.SessionID,
			SegmentIndex: job.SegmentIndex,
			Filename:     filepath.Base(artifact),
			Format:       strings.TrimPrefix(filepath.Ext(artifact), "."),
			Audio:        data,
			Duration:     job.Duration,
		})
		if err != nil {
			logger.Warn("Transcription failed", slog.String("error", err.Error()))
			return
		}

		if resp.Text != "" {
			d.status.Update(key, func(st *SegmentStatus) { st.Transcript = resp.Text })
		}
		logger.Info("Segment transcribed",
			slog.String("request_id", resp.RequestID),
			slog.Int("text_length", len(resp.Text)),
		)
	}()
}

// Wait blocks until every dispatched job has produced its result.
func (d *Dispatcher) Wait() {
	d.jobs.Wait()
}

// Close refuses new jobs and waits for running jobs and transcriptions.
// When ctx expires first, outstanding transcriptions are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	defer d.cancel()

	done := make(chan struct{})
	go func() {
		d.jobs.Wait()
		d.forwards.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns current dispatcher statistics
func (d *Dispatcher) GetStats() DispatcherStats {
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Cancelled:  d.cancelled.Load(),
		InFlight:   d.inFlight.Load(),
	}
}

// SafeName maps a client-chosen identifier onto a single path element.
func SafeName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	if name == "" || strings.Trim(name, ".") == "" {
		return "_"
	}
	return name
}
