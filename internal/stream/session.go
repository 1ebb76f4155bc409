package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/audio"
)

// Session holds the open segments of one client recording
type Session struct {
	ID        string
	StartTime time.Time

	// Open segments keyed by segment index
	segments map[int]*audio.SegmentBuffer
	// Segments already handed to assembly; late chunks for them are refused
	closed map[int]struct{}

	lastActivity time.Time
	finalized    bool
	closeReason  string

	chunksReceived uint64
	bytesReceived  uint64
	duplicates     uint64

	// Processing control
	ctx    context.Context
	cancel context.CancelFunc

	// assembly tracks snapshot assembly and hand-off to the dispatcher,
	// jobs tracks dispatched pipeline jobs until their result arrives
	assembly sync.WaitGroup
	jobs     sync.WaitGroup

	// Thread safety
	mu sync.RWMutex
}

func newSession(parent context.Context, id string, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:           id,
		StartTime:    now,
		lastActivity: now,
		segments:     make(map[int]*audio.SegmentBuffer),
		closed:       make(map[int]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context is cancelled when the session expires or the registry stops.
// A finalized session keeps it alive until its pipeline jobs finish.
func (s *Session) Context() context.Context {
	return s.ctx
}

// LastActivity returns the time of the last accepted chunk
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Finalized reports whether the session accepts no more chunks
func (s *Session) Finalized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized
}

// markClosed refuses further chunks. The first reason wins.
func (s *Session) markClosed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID      string        `json:"session_id"`
	StartTime      time.Time     `json:"start_time"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	ChunksReceived uint64        `json:"chunks_received"`
	BytesReceived  uint64        `json:"bytes_received"`
	Duplicates     uint64        `json:"duplicates"`
	OpenSegments   []int         `json:"open_segments"`
	ClosedSegments int           `json:"closed_segments"`
	Finalized      bool          `json:"finalized"`
}

// GetSessionInfo returns a snapshot of the session counters
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make([]int, 0, len(s.segments))
	for idx := range s.segments {
		open = append(open, idx)
	}
	sort.Ints(open)

	return SessionInfo{
		SessionID:      s.ID,
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       s.lastActivity.Sub(s.StartTime),
		ChunksReceived: s.chunksReceived,
		BytesReceived:  s.bytesReceived,
		Duplicates:     s.duplicates,
		OpenSegments:   open,
		ClosedSegments: len(s.closed),
		Finalized:      s.finalized,
	}
}
