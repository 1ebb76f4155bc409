package audio

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by Push when the queue is at its limit.
var ErrQueueFull = errors.New("frame queue full")

// FrameQueue is a FIFO of captured frames waiting to be uploaded.
type FrameQueue struct {
	limit int

	frames   [][]byte
	enqueued uint64
	dropped  uint64

	mu sync.Mutex
}

// QueueStats represents frame queue statistics
type QueueStats struct {
	Pending  int    `json:"pending"`
	Limit    int    `json:"limit"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
}

// NewFrameQueue creates a queue holding at most limit frames. A limit of
// zero or less means unbounded.
func NewFrameQueue(limit int) *FrameQueue {
	return &FrameQueue{limit: limit}
}

// Push appends a copy of frame. When the queue is full the frame is dropped
// and ErrQueueFull returned.
func (q *FrameQueue) Push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.frames) >= q.limit {
		q.dropped++
		return ErrQueueFull
	}

	f := make([]byte, len(frame))
	copy(f, frame)
	q.frames = append(q.frames, f)
	q.enqueued++
	return nil
}

// TakeAll removes and returns every pending frame in arrival order.
func (q *FrameQueue) TakeAll() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	frames := q.frames
	q.frames = nil
	return frames
}

// Clear discards pending frames and returns how many were dropped.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.frames)
	q.frames = nil
	return n
}

// Len returns the number of pending frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// GetStats returns current queue statistics
func (q *FrameQueue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:  len(q.frames),
		Limit:    q.limit,
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
	}
}
