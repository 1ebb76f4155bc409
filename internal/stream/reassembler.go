package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/audio"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/pipeline"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/protocol"
)

// Dispatcher accepts assembled segments for processing
type Dispatcher interface {
	Dispatch(ctx context.Context, job pipeline.Job) <-chan pipeline.Result
}

// ReassemblerConfig contains configuration for chunk reassembly
type ReassemblerConfig struct {
	Format             audio.Format
	DuplicatePolicy    audio.DuplicatePolicy
	DropGappedSegments bool
}

// Reassembler turns submitted chunks into WAV segments and hands them to
// the dispatcher.
type Reassembler struct {
	cfg        ReassemblerConfig
	registry   *Registry
	dispatcher Dispatcher
	status     *pipeline.StatusStore
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// background assembly, result and finalization goroutines
	wg sync.WaitGroup
}

// NewReassembler creates a reassembler. status and m may be nil.
func NewReassembler(cfg ReassemblerConfig, registry *Registry, dispatcher Dispatcher, status *pipeline.StatusStore, logger *slog.Logger, m *metrics.Metrics) (*Reassembler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio format: %w", err)
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = audio.DuplicateReject
	}
	if !cfg.DuplicatePolicy.Valid() {
		return nil, fmt.Errorf("invalid duplicate policy %q", cfg.DuplicatePolicy)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Reassembler{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		status:     status,
		logger:     logger,
		metrics:    m,
	}, nil
}

// SubmitChunk stores one chunk. An end-of-segment marker closes the segment
// and starts its assembly in the background; a final marker additionally
// removes the session once every segment has been dispatched.
func (r *Reassembler) SubmitChunk(ctx context.Context, chunk protocol.Chunk) (*protocol.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, _, err := r.registry.GetOrCreate(chunk.SessionID)
	if err != nil {
		r.metrics.RecordChunk("rejected", len(chunk.Data))
		return nil, err
	}

	logger := r.logger.With(
		slog.String("session_id", chunk.SessionID),
		slog.Int("segment_index", chunk.SegmentIndex),
	)

	session.mu.Lock()
	if session.finalized {
		reason := session.closeReason
		session.mu.Unlock()
		r.metrics.RecordChunk("rejected", len(chunk.Data))
		return nil, fmt.Errorf("%w: session %s was %s", ErrSessionFinalized, chunk.SessionID, reason)
	}
	if _, closed := session.closed[chunk.SegmentIndex]; closed {
		session.mu.Unlock()
		r.metrics.RecordChunk("rejected", len(chunk.Data))
		return nil, fmt.Errorf("%w: segment %d of session %s", ErrSegmentClosed, chunk.SegmentIndex, chunk.SessionID)
	}

	session.lastActivity = r.registry.clock.Now()

	if len(chunk.Data) > 0 {
		if err := r.storeLocked(session, chunk, logger); err != nil {
			session.mu.Unlock()
			return nil, err
		}
	}

	var closing []closedSegment
	if chunk.IsEndOfSegment || chunk.IsFinalChunk {
		closing = append(closing, r.closeSegmentLocked(session, chunk.SegmentIndex))
	}
	if chunk.IsFinalChunk {
		// Segments left open by a lost marker are flushed with the session
		open := make([]int, 0, len(session.segments))
		for idx := range session.segments {
			open = append(open, idx)
		}
		sort.Ints(open)
		for _, idx := range open {
			closing = append(closing, r.closeSegmentLocked(session, idx))
		}
		session.finalized = true
		session.closeReason = ReasonFinalized
	}
	session.mu.Unlock()

	for _, seg := range closing {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer session.assembly.Done()
			r.assemble(session, seg)
		}()
	}

	if chunk.IsFinalChunk {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.finalize(session)
		}()
	}

	return &protocol.Ack{
		Message:      ackMessage(chunk),
		SessionID:    chunk.SessionID,
		SegmentIndex: chunk.SegmentIndex,
		ChunkIndex:   chunk.ChunkIndex,
	}, nil
}

func (r *Reassembler) storeLocked(session *Session, chunk protocol.Chunk, logger *slog.Logger) error {
	buf, exists := session.segments[chunk.SegmentIndex]
	if !exists {
		buf = audio.NewSegmentBuffer(r.cfg.DuplicatePolicy)
		session.segments[chunk.SegmentIndex] = buf
		r.status.SetState(pipeline.Key{SessionID: session.ID, SegmentIndex: chunk.SegmentIndex}, pipeline.StateReceived)
	}

	result, err := buf.Add(chunk.ChunkIndex, chunk.Data)
	if err != nil {
		if errors.Is(err, audio.ErrDuplicateChunk) {
			session.duplicates++
			r.metrics.RecordDuplicateChunk("rejected")
			logger.Warn("Rejected duplicate chunk", slog.Int("chunk_index", chunk.ChunkIndex))
		}
		r.metrics.RecordChunk("rejected", len(chunk.Data))
		return err
	}

	switch result {
	case audio.Overwritten:
		session.duplicates++
		r.metrics.RecordDuplicateChunk("overwritten")
		logger.Warn("Duplicate chunk overwrote earlier data", slog.Int("chunk_index", chunk.ChunkIndex))
	case audio.Unchanged:
		r.metrics.RecordDuplicateChunk("identical")
		logger.Debug("Identical chunk resubmitted", slog.Int("chunk_index", chunk.ChunkIndex))
	}

	session.chunksReceived++
	session.bytesReceived += uint64(len(chunk.Data))
	r.metrics.RecordChunk("accepted", len(chunk.Data))
	return nil
}

// closedSegment is a segment snapshot detached from the session
type closedSegment struct {
	index    int
	snapshot audio.Snapshot
}

// closeSegmentLocked snapshots and clears a segment. The caller must hold
// session.mu and must run assemble on the result.
func (r *Reassembler) closeSegmentLocked(session *Session, index int) closedSegment {
	var snapshot audio.Snapshot
	if buf, exists := session.segments[index]; exists {
		snapshot = buf.Take()
		delete(session.segments, index)
	}
	session.closed[index] = struct{}{}
	session.assembly.Add(1)
	return closedSegment{index: index, snapshot: snapshot}
}

func (r *Reassembler) assemble(session *Session, seg closedSegment) {
	key := pipeline.Key{SessionID: session.ID, SegmentIndex: seg.index}
	logger := r.logger.With(
		slog.String("session_id", session.ID),
		slog.Int("segment_index", seg.index),
	)

	r.status.Update(key, func(st *pipeline.SegmentStatus) {
		st.State = pipeline.StateAssembling
		st.Chunks = seg.snapshot.Len()
	})

	pcm, err := seg.snapshot.Assemble()
	var missing []int
	if err != nil {
		var asmErr *audio.AssemblyError
		switch {
		case errors.Is(err, audio.ErrNoChunks):
			r.status.SetState(key, pipeline.StateEmpty)
			r.metrics.RecordSegmentAssembled("empty", 0, 0, 0)
			logger.Debug("Segment closed without audio")
			return
		case errors.As(err, &asmErr):
			missing = asmErr.Missing
			logger.Warn("Segment has missing chunks",
				slog.Any("missing", missing),
				slog.Int("chunks", seg.snapshot.Len()),
			)
			if r.cfg.DropGappedSegments {
				r.status.Update(key, func(st *pipeline.SegmentStatus) {
					st.Missing = missing
				})
				r.status.Fail(key, err)
				r.metrics.RecordSegmentAssembled("dropped", 0, 0, len(missing))
				return
			}
		default:
			r.status.Fail(key, err)
			r.metrics.RecordSegmentAssembled("failed", 0, 0, 0)
			logger.Error("Failed to assemble segment", slog.String("error", err.Error()))
			return
		}
	}

	wav, err := audio.EncodeWAV(pcm, r.cfg.Format)
	if err != nil {
		r.status.Fail(key, err)
		r.metrics.RecordSegmentAssembled("failed", 0, 0, len(missing))
		logger.Error("Failed to encode segment", slog.String("error", err.Error()))
		return
	}

	duration := r.cfg.Format.Duration(len(pcm))
	result := "complete"
	if len(missing) > 0 {
		result = "gapped"
	}
	r.metrics.RecordSegmentAssembled(result, len(wav), duration.Seconds(), len(missing))
	r.status.Update(key, func(st *pipeline.SegmentStatus) {
		st.Bytes = len(wav)
		st.Missing = missing
	})

	logger.Info("Segment assembled",
		slog.Int("chunks", seg.snapshot.Len()),
		slog.Int("wav_bytes", len(wav)),
		slog.Duration("duration", duration),
	)

	results := r.dispatcher.Dispatch(session.ctx, pipeline.Job{
		SessionID:    session.ID,
		SegmentIndex: seg.index,
		WAV:          wav,
		Duration:     duration,
		Missing:      missing,
	})

	session.jobs.Add(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer session.jobs.Done()
		res := <-results
		if res.Err != nil {
			logger.Debug("Segment job ended with error", slog.String("error", res.Err.Error()))
			return
		}
		logger.Debug("Segment job finished", slog.String("artifact", res.Artifact))
	}()
}

// finalize removes the session once every closed segment has been
// dispatched, then releases its context when the jobs are done.
func (r *Reassembler) finalize(session *Session) {
	session.assembly.Wait()
	r.registry.Remove(session.ID, ReasonFinalized)
	session.jobs.Wait()
	session.cancel()
}

// Wait blocks until all background assembly and finalization has finished
func (r *Reassembler) Wait() {
	r.wg.Wait()
}

// Shutdown waits for background work or until ctx expires
func (r *Reassembler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ackMessage(chunk protocol.Chunk) string {
	switch {
	case chunk.IsFinalChunk:
		return "session finalized"
	case chunk.IsEndOfSegment:
		return "segment closed"
	default:
		return "chunk received"
	}
}
