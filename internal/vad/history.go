package vad

// History is a fixed-capacity FIFO of the most recent classifications.
// Its length never exceeds its capacity; pushing into a full window evicts
// the oldest entry.
type History struct {
	entries []Classification
	start   int
	size    int
	silent  int
}

// NewHistory creates an empty window holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &History{entries: make([]Classification, capacity)}
}

// Push appends c, evicting the oldest entry when full.
func (h *History) Push(c Classification) {
	capacity := len(h.entries)
	if h.size == capacity {
		if h.entries[h.start] == Silence {
			h.silent--
		}
		h.entries[h.start] = c
		h.start = (h.start + 1) % capacity
	} else {
		h.entries[(h.start+h.size)%capacity] = c
		h.size++
	}
	if c == Silence {
		h.silent++
	}
}

// Len returns the number of classifications held.
func (h *History) Len() int {
	return h.size
}

// Capacity returns the maximum window length.
func (h *History) Capacity() int {
	return len(h.entries)
}

// SilenceRatio returns the share of silent entries, or 0 for an empty window.
func (h *History) SilenceRatio() float64 {
	if h.size == 0 {
		return 0
	}
	return float64(h.silent) / float64(h.size)
}

// Snapshot returns the entries oldest first.
func (h *History) Snapshot() []Classification {
	out := make([]Classification, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.entries[(h.start+i)%len(h.entries)]
	}
	return out
}

// Reset empties the window.
func (h *History) Reset() {
	h.start = 0
	h.size = 0
	h.silent = 0
}
