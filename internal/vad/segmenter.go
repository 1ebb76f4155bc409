package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
)

// Segmenter defaults.
const (
	DefaultWindowSize    = 15
	DefaultSilenceRatio  = 0.8
	DefaultAutoStopDelay = 800 * time.Millisecond
)

// SegmenterConfig controls when a run of silence ends a segment.
type SegmenterConfig struct {
	WindowSize    int           // classifications kept in the history window
	SilenceRatio  float64       // share of silent frames that arms the timer
	AutoStopDelay time.Duration // sustained silence needed before a boundary
}

// DefaultSegmenterConfig returns the 15 / 0.8 / 800ms configuration.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		WindowSize:    DefaultWindowSize,
		SilenceRatio:  DefaultSilenceRatio,
		AutoStopDelay: DefaultAutoStopDelay,
	}
}

// Validate checks the configuration ranges.
func (c SegmenterConfig) Validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be at least 1, got %d", c.WindowSize)
	}
	if c.SilenceRatio <= 0 || c.SilenceRatio > 1 {
		return fmt.Errorf("silence ratio must be in (0, 1], got %f", c.SilenceRatio)
	}
	if c.AutoStopDelay <= 0 {
		return fmt.Errorf("auto stop delay must be positive, got %v", c.AutoStopDelay)
	}
	return nil
}

// Decision describes the segmenter state after one observed frame.
type Decision struct {
	Classification Classification `json:"classification"`
	SilenceRatio   float64        `json:"silence_ratio"`
	TimerArmed     bool           `json:"timer_armed"`
}

// SegmenterStats reports counters for monitoring.
type SegmenterStats struct {
	Frames          uint64 `json:"frames"`
	SilentFrames    uint64 `json:"silent_frames"`
	TimersArmed     uint64 `json:"timers_armed"`
	TimersCancelled uint64 `json:"timers_cancelled"`
	Boundaries      uint64 `json:"boundaries"`
}

// Segmenter is a sliding-window majority-vote state machine. When the silent
// share of the window reaches SilenceRatio it arms a timer; if the share stays
// at or above the ratio until the timer fires, onBoundary is called once and
// the window is cleared. A frame that drops the share below the ratio cancels
// the timer.
//
// After a boundary the segmenter stays latched until the share has dropped
// below the ratio again, so one silence run yields exactly one boundary.
type Segmenter struct {
	cfg        SegmenterConfig
	clock      clock.Clock
	onBoundary func()

	mu         sync.Mutex
	history    *History
	timer      clock.Timer
	generation uint64
	latched    bool
	stopped    bool
	stats      SegmenterStats
}

// NewSegmenter creates a segmenter. onBoundary runs outside the segmenter
// lock, from the clock's timer context.
func NewSegmenter(cfg SegmenterConfig, clk clock.Clock, onBoundary func()) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Segmenter{
		cfg:        cfg,
		clock:      clk,
		onBoundary: onBoundary,
		history:    NewHistory(cfg.WindowSize),
	}, nil
}

// Observe feeds one classification into the window and updates the timer.
func (s *Segmenter) Observe(c Classification) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Decision{Classification: c}
	}

	s.history.Push(c)
	s.stats.Frames++
	if c == Silence {
		s.stats.SilentFrames++
	}

	ratio := s.history.SilenceRatio()
	if ratio >= s.cfg.SilenceRatio {
		if s.timer == nil && !s.latched {
			s.armLocked()
		}
	} else {
		s.latched = false
		if s.timer != nil {
			s.cancelLocked()
			s.stats.TimersCancelled++
		}
	}

	return Decision{
		Classification: c,
		SilenceRatio:   ratio,
		TimerArmed:     s.timer != nil,
	}
}

func (s *Segmenter) armLocked() {
	s.generation++
	gen := s.generation
	s.timer = s.clock.AfterFunc(s.cfg.AutoStopDelay, func() { s.fire(gen) })
	s.stats.TimersArmed++
}

func (s *Segmenter) cancelLocked() {
	s.timer.Stop()
	s.timer = nil
	// A timer that already started firing sees a newer generation and backs off.
	s.generation++
}

func (s *Segmenter) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || s.timer == nil || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.history.Reset()
	s.latched = true
	s.stats.Boundaries++
	cb := s.onBoundary
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Reset clears the window, the latch and any armed timer.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.cancelLocked()
	}
	s.history.Reset()
	s.latched = false
	s.stopped = false
}

// Stop disarms the timer; further observations are ignored until Reset.
func (s *Segmenter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.cancelLocked()
	}
	s.stopped = true
}

// TimerArmed reports whether a silence timer is pending.
func (s *Segmenter) TimerArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// WindowLen returns the current history length.
func (s *Segmenter) WindowLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

// GetStats returns a copy of the counters.
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
