package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDuplicateChunk is returned when a chunk index is submitted twice
	// with different data under the reject policy.
	ErrDuplicateChunk = errors.New("duplicate chunk index")

	// ErrNoChunks is returned when assembling a segment that holds no data.
	ErrNoChunks = errors.New("segment has no chunks")
)

// DuplicatePolicy decides what happens to a second chunk with an index that
// is already stored.
type DuplicatePolicy string

const (
	// DuplicateReject refuses a differing duplicate. Identical resubmissions
	// are accepted without change.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateOverwrite keeps the last write.
	DuplicateOverwrite DuplicatePolicy = "overwrite"
)

// Valid reports whether p is a known policy.
func (p DuplicatePolicy) Valid() bool {
	return p == DuplicateReject || p == DuplicateOverwrite
}

// AssemblyError lists the chunk indices absent from an assembled segment.
// The assembled PCM is still returned alongside it.
type AssemblyError struct {
	Missing []int
}

func (e *AssemblyError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, idx := range e.Missing {
		parts[i] = strconv.Itoa(idx)
	}
	return fmt.Sprintf("segment has %d missing chunk(s): [%s]", len(e.Missing), strings.Join(parts, ", "))
}

// AddResult reports what Add did with a chunk.
type AddResult int

const (
	Stored AddResult = iota
	Overwritten
	Unchanged
	Ignored
)

// SegmentBuffer is a sparse chunk store for one segment, keyed by chunk
// index. It is safe for concurrent use.
type SegmentBuffer struct {
	policy DuplicatePolicy

	chunks     map[int][]byte
	size       int
	duplicates uint64
	created    time.Time
	lastUpdate time.Time

	mu sync.Mutex
}

// BufferStats represents segment buffer statistics for monitoring
type BufferStats struct {
	Chunks       int    `json:"chunks"`
	Bytes        int    `json:"bytes"`
	Duplicates   uint64 `json:"duplicates"`
	HighestIndex int    `json:"highest_index"`
}

// NewSegmentBuffer creates an empty chunk store. An unknown policy falls back
// to DuplicateReject.
func NewSegmentBuffer(policy DuplicatePolicy) *SegmentBuffer {
	if !policy.Valid() {
		policy = DuplicateReject
	}
	now := time.Now()
	return &SegmentBuffer{
		policy:     policy,
		chunks:     make(map[int][]byte),
		created:    now,
		lastUpdate: now,
	}
}

// Add stores data at index. Empty data is ignored so marker chunks never
// occupy a slot. The data slice is copied.
func (b *SegmentBuffer) Add(index int, data []byte) (AddResult, error) {
	if index < 0 {
		return Ignored, fmt.Errorf("chunk index must be non-negative, got %d", index)
	}
	if len(data) == 0 {
		return Ignored, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUpdate = time.Now()
	result := Stored
	if existing, ok := b.chunks[index]; ok {
		if bytes.Equal(existing, data) {
			return Unchanged, nil
		}
		b.duplicates++
		if b.policy == DuplicateReject {
			return Ignored, fmt.Errorf("chunk %d: %w", index, ErrDuplicateChunk)
		}
		b.size -= len(existing)
		result = Overwritten
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	b.chunks[index] = stored
	b.size += len(stored)
	return result, nil
}

// Take returns the stored chunks and leaves the buffer empty. Chunks added
// afterwards belong to a fresh snapshot.
func (b *SegmentBuffer) Take() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{Chunks: b.chunks}
	b.chunks = make(map[int][]byte)
	b.size = 0
	return snap
}

// Len returns the number of stored chunks.
func (b *SegmentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Size returns the number of stored bytes.
func (b *SegmentBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// GetLastUpdate returns the time of the last Add.
func (b *SegmentBuffer) GetLastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *SegmentBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	highest := -1
	for idx := range b.chunks {
		if idx > highest {
			highest = idx
		}
	}
	return BufferStats{
		Chunks:       len(b.chunks),
		Bytes:        b.size,
		Duplicates:   b.duplicates,
		HighestIndex: highest,
	}
}

// Snapshot is an immutable copy of a segment's chunks.
type Snapshot struct {
	Chunks map[int][]byte
}

// Len returns the number of chunks in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Chunks)
}

// Indices returns the chunk indices in ascending order.
func (s Snapshot) Indices() []int {
	indices := make([]int, 0, len(s.Chunks))
	for idx := range s.Chunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// Assemble concatenates the chunks in ascending index order. Gaps between 0
// and the highest index are skipped and reported through *AssemblyError,
// with the PCM of the present chunks still returned.
func (s Snapshot) Assemble() ([]byte, error) {
	if len(s.Chunks) == 0 {
		return nil, ErrNoChunks
	}

	indices := s.Indices()
	total := 0
	for _, idx := range indices {
		total += len(s.Chunks[idx])
	}

	pcm := make([]byte, 0, total)
	var missing []int
	next := 0
	for _, idx := range indices {
		for ; next < idx; next++ {
			missing = append(missing, next)
		}
		pcm = append(pcm, s.Chunks[idx]...)
		next = idx + 1
	}

	if len(missing) > 0 {
		return pcm, &AssemblyError{Missing: missing}
	}
	return pcm, nil
}
