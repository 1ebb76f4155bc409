package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
)

// State is the lifecycle position of a segment on the server.
type State string

const (
	StateReceived   State = "received"
	StateAssembling State = "assembling"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateEmpty      State = "empty"
)

// Terminal reports whether no further transition will happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateEmpty
}

// Key identifies a segment.
type Key struct {
	SessionID    string
	SegmentIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.SessionID, k.SegmentIndex)
}

// SegmentStatus is the externally visible record of one segment.
type SegmentStatus struct {
	SessionID    string    `json:"session_id"`
	SegmentIndex int       `json:"segment_index"`
	State        State     `json:"state"`
	Chunks       int       `json:"chunks"`
	Bytes        int       `json:"bytes"`
	Missing      []int     `json:"missing,omitempty"`
	Artifact     string    `json:"artifact,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusStore keeps the most recent segment statuses in a bounded LRU.
type StatusStore struct {
	clock clock.Clock
	cache *lru.Cache[Key, SegmentStatus]

	// serialises read-modify-write updates; the cache itself is thread-safe
	mu sync.Mutex
}

// NewStatusStore creates a store holding at most size segments.
func NewStatusStore(size int, clk clock.Clock) (*StatusStore, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	cache, err := lru.New[Key, SegmentStatus](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create status cache: %w", err)
	}
	return &StatusStore{clock: clk, cache: cache}, nil
}

// Update applies fn to the status of key, creating it when absent.
func (s *StatusStore) Update(key Key, fn func(*SegmentStatus)) SegmentStatus {
	if s == nil {
		return SegmentStatus{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	status, ok := s.cache.Get(key)
	if !ok {
		status = SegmentStatus{
			SessionID:    key.SessionID,
			SegmentIndex: key.SegmentIndex,
			State:        StateReceived,
			CreatedAt:    now,
		}
	}
	fn(&status)
	status.UpdatedAt = now
	s.cache.Add(key, status)
	return status
}

// SetState moves key to state.
func (s *StatusStore) SetState(key Key, state State) {
	s.Update(key, func(st *SegmentStatus) { st.State = state })
}

// Fail records err and moves key to StateFailed.
func (s *StatusStore) Fail(key Key, err error) {
	s.Update(key, func(st *SegmentStatus) {
		st.State = StateFailed
		if err != nil {
			st.Error = err.Error()
		}
	})
}

// Get returns the status of a segment.
func (s *StatusStore) Get(sessionID string, segmentIndex int) (SegmentStatus, bool) {
	if s == nil {
		return SegmentStatus{}, false
	}
	return s.cache.Get(Key{SessionID: sessionID, SegmentIndex: segmentIndex})
}

// ForSession returns every known segment of a session in index order.
func (s *StatusStore) ForSession(sessionID string) []SegmentStatus {
	if s == nil {
		return nil
	}
	var out []SegmentStatus
	for _, key := range s.cache.Keys() {
		if key.SessionID != sessionID {
			continue
		}
		if st, ok := s.cache.Peek(key); ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentIndex < out[j].SegmentIndex })
	return out
}

// Len returns the number of tracked segments.
func (s *StatusStore) Len() int {
	if s == nil {
		return 0
	}
	return s.cache.Len()
}
