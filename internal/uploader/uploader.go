package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/audio"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/protocol"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/vad"
)

var (
	// ErrAlreadyRecording is returned by Start while a recording is active
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned when frames are pushed or Stop is called
	// outside of a recording
	ErrNotRecording = errors.New("not recording")
	// ErrInvalidFrame is returned for frames that are empty or not made of
	// whole samples
	ErrInvalidFrame = errors.New("invalid frame")
)

// Config contains uploader configuration
type Config struct {
	SilenceThreshold float64
	Segmenter        vad.SegmenterConfig
	DrainInterval    time.Duration
	MaxPendingFrames int
	RequestTimeout   time.Duration

	// OnStatus, when set, is called after every status change
	OnStatus func(Status)
}

// DefaultConfig returns the reference client configuration
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: vad.DefaultSilenceThreshold,
		Segmenter:        vad.DefaultSegmenterConfig(),
		DrainInterval:    500 * time.Millisecond,
		MaxPendingFrames: 2048,
		RequestTimeout:   10 * time.Second,
	}
}

// Stats represents uploader statistics
type Stats struct {
	State         string `json:"state"`
	Status        Status `json:"status"`
	SessionID     string `json:"session_id"`
	SegmentIndex  int    `json:"segment_index"`
	FramesPushed  uint64 `json:"frames_pushed"`
	FramesDropped uint64 `json:"frames_dropped"`
	ChunksSent    uint64 `json:"chunks_sent"`
	MarkersSent   uint64 `json:"markers_sent"`
	SendErrors    uint64 `json:"send_errors"`
}

// Uploader segments a live PCM stream and uploads each segment as ordered
// chunks followed by a marker.
type Uploader struct {
	cfg        Config
	transport  Transport
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	classifier *vad.Classifier
	segmenter  *vad.Segmenter
	queue      *audio.FrameQueue

	// guards the lifecycle fields below
	mu           sync.Mutex
	state        State
	status       Status
	sessionID    string
	segmentStart time.Time
	lastErr      error
	ctx          context.Context
	cancel       context.CancelFunc
	stopDrain    chan struct{}
	drainDone    chan struct{}
	stats        Stats
	// frames of segments closed by a boundary but not yet sent, oldest first
	boundaries [][][]byte

	// single-flight guard for drains; also guards the chunk counters
	sendMu       sync.Mutex
	segmentIndex int
	chunkIndex   int
}

// New creates an uploader. m may be nil.
func New(cfg Config, transport Transport, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Uploader, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.DrainInterval <= 0 {
		return nil, fmt.Errorf("drain interval must be positive, got %v", cfg.DrainInterval)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	classifier, err := vad.NewClassifier(cfg.SilenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}

	u := &Uploader{
		cfg:        cfg,
		transport:  transport,
		clock:      clk,
		logger:     logger,
		metrics:    m,
		classifier: classifier,
		queue:      audio.NewFrameQueue(cfg.MaxPendingFrames),
		state:      StateIdle,
		status:     StatusReady,
	}

	u.segmenter, err = vad.NewSegmenter(cfg.Segmenter, clk, u.finalizeSegment)
	if err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}

	return u, nil
}

// Start opens a new recording session and starts the periodic drain.
// The session ends when Stop is called or ctx is cancelled. Cancelling ctx
// abandons the session: pending frames are discarded and no final marker is
// sent.
func (u *Uploader) Start(ctx context.Context) (string, error) {
	u.mu.Lock()
	if u.state.Active() {
		u.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	u.state = StateInitializing
	u.mu.Unlock()
	u.setStatus(StatusInitializing)

	id, err := uuid.NewV7()
	if err != nil {
		u.fail(StatusError, fmt.Errorf("failed to generate session id: %w", err))
		return "", err
	}

	u.sendMu.Lock()
	u.segmentIndex = 0
	u.chunkIndex = 0
	u.sendMu.Unlock()

	u.queue.Clear()
	u.segmenter.Reset()

	recCtx, cancel := context.WithCancel(ctx)
	ticker := u.clock.NewTicker(u.cfg.DrainInterval)

	u.mu.Lock()
	u.sessionID = id.String()
	u.segmentStart = u.clock.Now()
	u.lastErr = nil
	u.ctx = recCtx
	u.cancel = cancel
	u.stopDrain = make(chan struct{})
	u.drainDone = make(chan struct{})
	u.stats = Stats{SessionID: u.sessionID}
	u.boundaries = nil
	u.state = StateRecording
	stop, done := u.stopDrain, u.drainDone
	u.mu.Unlock()

	go u.drainLoop(recCtx, ticker, stop, done)

	u.setStatus(StatusRecording)
	u.logger.Info("Recording started",
		slog.String("session_id", id.String()),
		slog.Duration("drain_interval", u.cfg.DrainInterval),
	)

	return id.String(), nil
}

// PushFrame queues one captured frame for upload and feeds it to the
// segmenter. A frame dropped because the queue is full still counts towards
// silence detection.
func (u *Uploader) PushFrame(frame []byte) (vad.Decision, error) {
	if len(frame) == 0 || len(frame)%protocol.BytesPerSample != 0 {
		return vad.Decision{}, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(frame))
	}

	u.mu.Lock()
	if u.state != StateRecording {
		u.mu.Unlock()
		return vad.Decision{}, ErrNotRecording
	}
	u.mu.Unlock()

	pushErr := u.queue.Push(frame)

	c := u.classifier.Classify(frame)
	u.metrics.RecordFrame(c.String())
	decision := u.segmenter.Observe(c)

	u.mu.Lock()
	u.stats.FramesPushed++
	if pushErr != nil {
		u.stats.FramesDropped++
	}
	u.mu.Unlock()

	if pushErr != nil {
		u.metrics.RecordFrameDropped()
		u.logger.Warn("Dropped frame", slog.String("error", pushErr.Error()))
	}

	// A segment upload or an unrecovered send error outranks the frame level
	next := StatusSilenceDetected
	if c == vad.Sound {
		next = StatusRecording
	}
	u.transitionStatus(next, StatusRecording, StatusSilenceDetected)

	return decision, pushErr
}

// Stop ends the recording: the periodic drain and silence timer are cancelled,
// pending frames are sent, and the final marker closes the session.
func (u *Uploader) Stop(ctx context.Context) error {
	u.mu.Lock()
	if u.state != StateRecording {
		u.mu.Unlock()
		return ErrNotRecording
	}
	u.state = StateFinalizing
	stop, done, cancel := u.stopDrain, u.drainDone, u.cancel
	sessionID := u.sessionID
	u.mu.Unlock()
	u.setStatus(StatusFinalizing)

	u.segmenter.Stop()
	close(stop)
	<-done

	u.sendMu.Lock()
	err := u.closeSegmentsLocked(ctx)
	u.mu.Lock()
	frames := u.queue.TakeAll()
	u.mu.Unlock()
	if ferr := u.flushLocked(ctx, frames, true, true); err == nil {
		err = ferr
	}
	segments := u.segmentIndex + 1
	u.sendMu.Unlock()

	cancel()

	if err != nil {
		u.fail(StatusSendError, err)
		return err
	}

	u.mu.Lock()
	u.state = StateStopped
	u.mu.Unlock()
	u.setStatus(StatusReady)

	u.logger.Info("Recording stopped",
		slog.String("session_id", sessionID),
		slog.Int("segments", segments),
	)
	return nil
}

func (u *Uploader) drainLoop(ctx context.Context, ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			u.abandon(ctx.Err())
			return
		case <-ticker.C():
			u.drain(ctx)
		}
	}
}

// abandon ends a recording whose context was cancelled before Stop. Nothing
// can be sent without a context, so queued frames and closed segments are
// discarded.
func (u *Uploader) abandon(cause error) {
	u.mu.Lock()
	if u.state != StateRecording {
		u.mu.Unlock()
		return
	}
	err := fmt.Errorf("recording cancelled: %w", cause)
	u.state = StateError
	u.lastErr = err
	u.boundaries = nil
	dropped := u.queue.Clear()
	cancel := u.cancel
	sessionID := u.sessionID
	u.mu.Unlock()

	u.segmenter.Stop()
	cancel()
	u.setStatus(StatusError)
	u.logger.Warn("Recording abandoned",
		slog.String("session_id", sessionID),
		slog.Int("dropped_frames", dropped),
		slog.String("error", err.Error()),
	)
}

// drain sends pending frames unless another drain is already running. It
// yields to closed segments so their frames go out first.
func (u *Uploader) drain(ctx context.Context) {
	if !u.sendMu.TryLock() {
		return
	}
	defer u.sendMu.Unlock()

	u.mu.Lock()
	if len(u.boundaries) > 0 {
		u.mu.Unlock()
		return
	}
	frames := u.queue.TakeAll()
	u.mu.Unlock()

	if err := u.flushLocked(ctx, frames, false, false); err != nil {
		u.recordSendError(err)
	}
}

// finalizeSegment runs when the segmenter reports a sustained silence. The
// queue is cut at once so frames pushed while an earlier send holds the lock
// belong to the next segment.
func (u *Uploader) finalizeSegment() {
	u.mu.Lock()
	if u.state != StateRecording {
		u.mu.Unlock()
		return
	}
	u.boundaries = append(u.boundaries, u.queue.TakeAll())
	u.segmentStart = u.clock.Now()
	ctx := u.ctx
	u.mu.Unlock()

	u.metrics.RecordSegmentBoundary()
	u.transitionStatus(StatusSendingSegment)

	u.sendMu.Lock()
	err := u.closeSegmentsLocked(ctx)
	u.sendMu.Unlock()

	if err != nil {
		u.recordSendError(err)
		return
	}
	u.transitionStatus(StatusRecording, StatusSendingSegment)
}

// closeSegmentsLocked sends every closed segment, each followed by its
// end-of-segment marker, and advances the segment index past it. A failed
// segment still advances. The caller must hold sendMu.
func (u *Uploader) closeSegmentsLocked(ctx context.Context) error {
	var firstErr error
	for {
		u.mu.Lock()
		if len(u.boundaries) == 0 {
			u.mu.Unlock()
			return firstErr
		}
		frames := u.boundaries[0]
		u.boundaries = u.boundaries[1:]
		u.mu.Unlock()

		closed := u.segmentIndex
		err := u.flushLocked(ctx, frames, true, false)
		u.segmentIndex++
		u.chunkIndex = 0

		u.mu.Lock()
		u.stats.SegmentIndex = u.segmentIndex
		u.mu.Unlock()

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		u.logger.Info("Segment finalized", slog.Int("segment_index", closed))
	}
}

// flushLocked sends frames as the next chunks of the current segment, then a
// marker when either flag is set. The caller must hold sendMu.
func (u *Uploader) flushLocked(ctx context.Context, frames [][]byte, endOfSegment, final bool) error {
	u.mu.Lock()
	sessionID := u.sessionID
	u.mu.Unlock()

	for i, frame := range frames {
		chunk := protocol.Chunk{
			SessionID:    sessionID,
			SegmentIndex: u.segmentIndex,
			ChunkIndex:   u.chunkIndex,
			Data:         frame,
		}
		u.chunkIndex++
		if err := u.send(ctx, chunk); err != nil {
			if dropped := len(frames) - i - 1; dropped > 0 {
				u.logger.Warn("Discarding unsent frames", slog.Int("frames", dropped))
			}
			return err
		}
	}

	if !endOfSegment && !final {
		return nil
	}

	return u.send(ctx, protocol.Chunk{
		SessionID:      sessionID,
		SegmentIndex:   u.segmentIndex,
		ChunkIndex:     u.chunkIndex,
		IsEndOfSegment: endOfSegment,
		IsFinalChunk:   final,
	})
}

func (u *Uploader) send(ctx context.Context, chunk protocol.Chunk) error {
	kind := "data"
	if chunk.IsMarker() {
		kind = "marker"
	}

	reqCtx, cancel := context.WithTimeout(ctx, u.cfg.RequestTimeout)
	defer cancel()

	_, err := u.transport.SubmitChunk(reqCtx, chunk)
	if err != nil {
		u.metrics.RecordChunkSent(kind, "error")
		var tErr *TransportError
		if !errors.As(err, &tErr) {
			err = &TransportError{SegmentIndex: chunk.SegmentIndex, ChunkIndex: chunk.ChunkIndex, Err: err}
		}
		return err
	}

	u.metrics.RecordChunkSent(kind, "ok")
	u.mu.Lock()
	if kind == "marker" {
		u.stats.MarkersSent++
	} else {
		u.stats.ChunksSent++
	}
	u.mu.Unlock()

	u.transitionStatus(StatusRecording, StatusSendError)
	return nil
}

// recordSendError reports a failed send. The status stays SendError until a
// later send succeeds.
func (u *Uploader) recordSendError(err error) {
	u.mu.Lock()
	u.lastErr = err
	u.stats.SendErrors++
	recording := u.state == StateRecording
	u.mu.Unlock()

	if recording {
		u.transitionStatus(StatusSendError)
	}
	u.logger.Error("Failed to send chunk", slog.String("error", err.Error()))
}

func (u *Uploader) fail(status Status, err error) {
	u.mu.Lock()
	u.state = StateError
	u.lastErr = err
	if status == StatusSendError {
		u.stats.SendErrors++
	}
	u.mu.Unlock()

	u.setStatus(status)
	u.logger.Error("Recording failed", slog.String("error", err.Error()))
}

// transitionStatus sets next while recording, provided the current status is
// one of from. An empty from matches any status.
func (u *Uploader) transitionStatus(next Status, from ...Status) {
	u.mu.Lock()
	allowed := u.state == StateRecording && (len(from) == 0 || slices.Contains(from, u.status))
	changed := allowed && u.status != next
	if allowed {
		u.status = next
	}
	cb := u.cfg.OnStatus
	u.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}

func (u *Uploader) setStatus(s Status) {
	u.mu.Lock()
	changed := u.status != s
	u.status = s
	cb := u.cfg.OnStatus
	u.mu.Unlock()

	if changed && cb != nil {
		cb(s)
	}
}

// State returns the lifecycle state
func (u *Uploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Status returns the current status indicator
func (u *Uploader) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// SessionID returns the id of the current or last session
func (u *Uploader) SessionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID
}

// LastError returns the most recent send failure
func (u *Uploader) LastError() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// SegmentDuration returns how long the current segment has been recording
func (u *Uploader) SegmentDuration() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateRecording {
		return 0
	}
	return u.clock.Now().Sub(u.segmentStart)
}

// GetStats returns current uploader statistics
func (u *Uploader) GetStats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	stats := u.stats
	stats.State = u.state.String()
	stats.Status = u.status
	return stats
}
