package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/metrics"
)

var (
	// ErrSessionExists is returned by Create for an id already registered
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionFinalized is returned for chunks addressed to a session
	// that was finalized or expired recently
	ErrSessionFinalized = errors.New("session finalized")
	// ErrTooManySessions is returned when the registry is at capacity
	ErrTooManySessions = errors.New("too many active sessions")
	// ErrSegmentClosed is returned for chunks addressed to a segment that
	// has already been handed to assembly
	ErrSegmentClosed = errors.New("segment already closed")
)

// Reasons recorded when a session leaves the registry
const (
	ReasonFinalized = "finalized"
	ReasonExpired   = "expired"
	ReasonRemoved   = "removed"
	ReasonShutdown  = "shutdown"
)

// RegistryConfig contains configuration for the session registry
type RegistryConfig struct {
	MaxSessions        int
	SessionTimeout     time.Duration
	CleanupInterval    time.Duration
	FinalizedCacheSize int
}

// Registry manages all active sessions
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	// Recently closed session ids and the reason they were closed
	tombstones *lru.Cache[string, string]

	cfg     RegistryConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry and starts its cleanup routine
func NewRegistry(cfg RegistryConfig, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Registry, error) {
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", cfg.MaxSessions)
	}
	if cfg.SessionTimeout <= 0 {
		return nil, fmt.Errorf("session timeout must be positive, got %v", cfg.SessionTimeout)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.FinalizedCacheSize <= 0 {
		cfg.FinalizedCacheSize = 4096
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tombstones, err := lru.New[string, string](cfg.FinalizedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create finalized session cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions:   make(map[string]*Session),
		tombstones: tombstones,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go r.startCleanupRoutine()

	return r, nil
}

// Create registers a new session
func (r *Registry) Create(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	return r.createLocked(sessionID)
}

// GetOrCreate returns the session with the given id, registering it on first
// use. The boolean reports whether the session was created by this call.
func (r *Registry) GetOrCreate(sessionID string) (*Session, bool, error) {
	r.mu.RLock()
	session, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if exists {
		return session, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if session, exists := r.sessions[sessionID]; exists {
		return session, false, nil
	}
	session, err := r.createLocked(sessionID)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (r *Registry) createLocked(sessionID string) (*Session, error) {
	if reason, closed := r.tombstones.Get(sessionID); closed {
		return nil, fmt.Errorf("%w: session %s was %s", ErrSessionFinalized, sessionID, reason)
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.metrics.RecordSessionRejected()
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, r.cfg.MaxSessions)
	}

	session := newSession(r.ctx, sessionID, r.clock.Now())
	r.sessions[sessionID] = session

	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("Created new session",
		slog.String("session_id", sessionID),
		slog.Int("active_sessions", len(r.sessions)),
	)

	return session, nil
}

// Get retrieves an existing session
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	return session, exists
}

// Remove deletes a session and remembers its id so that late chunks are
// refused. Sessions removed for any reason other than finalization have their
// context cancelled immediately.
func (r *Registry) Remove(sessionID, reason string) bool {
	r.mu.Lock()
	session, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
		r.tombstones.Add(sessionID, reason)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		return false
	}

	session.markClosed(reason)
	if reason != ReasonFinalized {
		session.cancel()
	}

	info := session.GetSessionInfo()
	duration := r.clock.Now().Sub(session.StartTime)

	r.metrics.SetActiveSessions(active)
	r.metrics.RecordSessionClosed(reason, duration.Seconds())

	r.logger.Info("Removed session",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
		slog.Uint64("chunks_received", info.ChunksReceived),
		slog.Uint64("bytes_received", info.BytesReceived),
		slog.Int("segments", info.ClosedSegments),
	)

	return true
}

// Sessions returns all active sessions ordered by start time
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	return sessions
}

// Count returns the number of active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// WasClosed reports whether the id belongs to a recently closed session
func (r *Registry) WasClosed(sessionID string) (string, bool) {
	return r.tombstones.Peek(sessionID)
}

// Stop stops the cleanup routine and cancels every remaining session
func (r *Registry) Stop() {
	r.logger.Info("Stopping session registry")

	r.cancel()
	<-r.cleanup

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id, ReasonShutdown)
	}

	r.logger.Info("Session registry stopped")
}

func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	ticker := r.clock.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	r.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", r.cfg.SessionTimeout),
		slog.Duration("check_interval", r.cfg.CleanupInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C():
			r.ExpireIdle()
		}
	}
}

// ExpireIdle removes sessions idle for longer than the session timeout and
// returns how many were removed.
func (r *Registry) ExpireIdle() int {
	now := r.clock.Now()
	expired := make([]string, 0)

	r.mu.RLock()
	for id, session := range r.sessions {
		if now.Sub(session.LastActivity()) > r.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	r.logger.Info("Cleaning up expired sessions",
		slog.Int("expired_count", len(expired)),
	)

	removed := 0
	for _, id := range expired {
		if r.Remove(id, ReasonExpired) {
			removed++
		}
	}
	return removed
}
