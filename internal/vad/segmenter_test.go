package vad

import (
	"testing"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
)

const frameInterval = 128 * time.Millisecond

func newTestSegmenter(t *testing.T) (*Segmenter, *clock.Fake, *int) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	boundaries := 0
	seg, err := NewSegmenter(DefaultSegmenterConfig(), clk, func() { boundaries++ })
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}
	return seg, clk, &boundaries
}

// feed observes n frames of c, advancing the clock one frame interval each.
func feed(seg *Segmenter, clk *clock.Fake, c Classification, n int) {
	for i := 0; i < n; i++ {
		seg.Observe(c)
		clk.Advance(frameInterval)
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(15)
	for i := 0; i < 100; i++ {
		h.Push(Sound)
		if h.Len() > 15 {
			t.Fatalf("History length %d exceeds capacity", h.Len())
		}
	}
	if h.Len() != 15 {
		t.Errorf("Expected length 15, got %d", h.Len())
	}
}

func TestHistorySilenceRatioWithEviction(t *testing.T) {
	h := NewHistory(15)
	if h.SilenceRatio() != 0 {
		t.Errorf("Expected ratio 0 for empty window, got %f", h.SilenceRatio())
	}
	for i := 0; i < 15; i++ {
		h.Push(Sound)
	}
	for i := 0; i < 12; i++ {
		h.Push(Silence)
	}
	if h.SilenceRatio() != 0.8 {
		t.Errorf("Expected ratio 0.8, got %f", h.SilenceRatio())
	}

	snap := h.Snapshot()
	if len(snap) != 15 || snap[0] != Sound || snap[14] != Silence {
		t.Errorf("Unexpected snapshot order: %v", snap)
	}

	h.Reset()
	if h.Len() != 0 || h.SilenceRatio() != 0 {
		t.Error("Expected empty window after reset")
	}
}

func TestSegmenterSustainedSilenceEmitsOneBoundary(t *testing.T) {
	seg, clk, boundaries := newTestSegmenter(t)

	feed(seg, clk, Sound, 20)
	if *boundaries != 0 {
		t.Fatalf("Expected no boundary during speech, got %d", *boundaries)
	}

	// Five seconds of silence: far beyond the 800ms delay.
	feed(seg, clk, Silence, 40)

	if *boundaries != 1 {
		t.Errorf("Expected exactly one boundary per silence run, got %d", *boundaries)
	}
	stats := seg.GetStats()
	if stats.Boundaries != 1 {
		t.Errorf("Expected stats to report 1 boundary, got %d", stats.Boundaries)
	}
	if stats.Frames != 60 {
		t.Errorf("Expected 60 frames observed, got %d", stats.Frames)
	}
}

func TestSegmenterBoundaryResetsWindow(t *testing.T) {
	seg, clk, boundaries := newTestSegmenter(t)

	seg.Observe(Silence)
	if !seg.TimerArmed() {
		t.Fatal("Expected timer armed on a fully silent window")
	}
	clk.Advance(DefaultAutoStopDelay)

	if *boundaries != 1 {
		t.Fatalf("Expected a boundary after the delay, got %d", *boundaries)
	}
	if seg.WindowLen() != 0 {
		t.Errorf("Expected window reset after boundary, got length %d", seg.WindowLen())
	}
}

func TestSegmenterTimerCancelledWhenSoundResumes(t *testing.T) {
	seg, clk, boundaries := newTestSegmenter(t)

	seg.Observe(Silence)
	if !seg.TimerArmed() {
		t.Fatal("Expected timer armed")
	}
	clk.Advance(400 * time.Millisecond)

	// Window [silence, sound] has ratio 0.5.
	d := seg.Observe(Sound)
	if d.TimerArmed {
		t.Error("Expected timer cancelled when ratio drops below threshold")
	}
	if d.SilenceRatio != 0.5 {
		t.Errorf("Expected ratio 0.5, got %f", d.SilenceRatio)
	}

	clk.Advance(2 * time.Second)
	if *boundaries != 0 {
		t.Errorf("Expected no boundary after cancellation, got %d", *boundaries)
	}
	if seg.GetStats().TimersCancelled != 1 {
		t.Errorf("Expected 1 cancelled timer, got %d", seg.GetStats().TimersCancelled)
	}
}

func TestSegmenterBriefPauseDoesNotCut(t *testing.T) {
	seg, clk, boundaries := newTestSegmenter(t)

	// A short breath inside speech never reaches the 80% vote.
	for i := 0; i < 10; i++ {
		feed(seg, clk, Sound, 5)
		feed(seg, clk, Silence, 3)
	}
	if *boundaries != 0 {
		t.Errorf("Expected no boundary for brief pauses, got %d", *boundaries)
	}
}

func TestSegmenterSecondUtteranceGetsSecondBoundary(t *testing.T) {
	seg, clk, boundaries := newTestSegmenter(t)

	feed(seg, clk, Sound, 15)
	feed(seg, clk, Silence, 30)
	if *boundaries != 1 {
		t.Fatalf("Expected first boundary, got %d", *boundaries)
	}

	feed(seg, clk, Sound, 15)
	feed(seg, clk, Silence, 30)
	if *boundaries != 2 {
		t.Errorf("Expected second boundary after new speech, got %d", *boundaries)
	}
}

func TestSegmenterStop(t *testing.T) {
	seg, clk, boundaries := newTestSegmenter(t)

	seg.Observe(Silence)
	seg.Stop()
	clk.Advance(time.Second)

	if *boundaries != 0 {
		t.Errorf("Expected no boundary after stop, got %d", *boundaries)
	}
	if d := seg.Observe(Silence); d.TimerArmed {
		t.Error("Expected observations ignored after stop")
	}

	seg.Reset()
	seg.Observe(Silence)
	clk.Advance(DefaultAutoStopDelay)
	if *boundaries != 1 {
		t.Errorf("Expected boundary after reset, got %d", *boundaries)
	}
}

func TestSegmenterConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SegmenterConfig
	}{
		{name: "zero window", cfg: SegmenterConfig{WindowSize: 0, SilenceRatio: 0.8, AutoStopDelay: time.Second}},
		{name: "ratio above one", cfg: SegmenterConfig{WindowSize: 15, SilenceRatio: 1.2, AutoStopDelay: time.Second}},
		{name: "zero ratio", cfg: SegmenterConfig{WindowSize: 15, SilenceRatio: 0, AutoStopDelay: time.Second}},
		{name: "zero delay", cfg: SegmenterConfig{WindowSize: 15, SilenceRatio: 0.8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSegmenter(tt.cfg, nil, nil); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
