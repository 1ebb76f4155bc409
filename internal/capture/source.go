package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/audio"
	"github.com/Nerd658/Capture-chunking-asselblage-nettoyage-compression/internal/clock"
)

// Config configures a frame source.
type Config struct {
	// Format is assumed for raw PCM input; WAV input must match it.
	Format audio.Format
	// FrameDuration is the play time of one emitted frame.
	FrameDuration time.Duration
	// Paced emits one frame per FrameDuration to mimic a live microphone.
	Paced bool
	// BufferSize controls the frame channel buffer. Defaults to 4 when zero.
	BufferSize int
}

// Stats represents source statistics
type Stats struct {
	Frames    uint64 `json:"frames"`
	Bytes     uint64 `json:"bytes"`
	Truncated uint64 `json:"truncated_bytes"`
}

// Source splits a PCM stream into fixed-size frames.
type Source struct {
	cfg        Config
	reader     *bufio.Reader
	clock      clock.Clock
	frameBytes int

	mu    sync.Mutex
	stats Stats
}

// NewSource wraps r. When r starts with a WAV header the whole input is read
// and its data chunk replayed; anything else is treated as raw PCM.
func NewSource(r io.Reader, cfg Config, clk clock.Clock) (*Source, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}
	frameBytes := cfg.Format.FrameBytes(cfg.FrameDuration)
	if frameBytes <= 0 {
		return nil, fmt.Errorf("frame duration %v is shorter than one sample", cfg.FrameDuration)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4
	}
	if clk == nil {
		clk = clock.Real{}
	}

	reader := bufio.NewReader(r)
	if head, _ := reader.Peek(12); isWAV(head) {
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read WAV input: %w", err)
		}
		pcm, format, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if format != cfg.Format {
			return nil, fmt.Errorf("WAV format %+v does not match expected %+v", format, cfg.Format)
		}
		reader = bufio.NewReader(bytes.NewReader(pcm))
	}

	return &Source{
		cfg:        cfg,
		reader:     reader,
		clock:      clk,
		frameBytes: frameBytes,
	}, nil
}

func isWAV(head []byte) bool {
	return len(head) >= 12 && string(head[0:4]) == "RIFF" && string(head[8:12]) == "WAVE"
}

// FrameBytes returns the size of a full frame.
func (s *Source) FrameBytes() int {
	return s.frameBytes
}

// ReadFrame returns the next frame. The last frame may be shorter; a trailing
// partial sample is discarded. io.EOF is returned when the input is exhausted.
func (s *Source) ReadFrame() ([]byte, error) {
	buf := make([]byte, s.frameBytes)
	n, err := io.ReadFull(s.reader, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}

	whole := n - n%s.cfg.Format.BlockAlign()
	s.mu.Lock()
	s.stats.Truncated += uint64(n - whole)
	if whole > 0 {
		s.stats.Frames++
		s.stats.Bytes += uint64(whole)
	}
	s.mu.Unlock()

	if whole == 0 {
		return nil, io.EOF
	}
	return buf[:whole], nil
}

// Stream emits frames until the input ends or ctx is cancelled. The error
// channel receives at most one read error; both channels are closed when the
// stream ends.
func (s *Source) Stream(ctx context.Context) (<-chan []byte, <-chan error) {
	frames := make(chan []byte, s.cfg.BufferSize)
	errs := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errs)

		var tick <-chan time.Time
		if s.cfg.Paced {
			ticker := s.clock.NewTicker(s.cfg.FrameDuration)
			defer ticker.Stop()
			tick = ticker.C()
		}

		for {
			if ctx.Err() != nil {
				return
			}

			frame, err := s.ReadFrame()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- err
				return
			}

			select {
			case <-ctx.Done():
				return
			case frames <- frame:
			}

			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
		}
	}()

	return frames, errs
}

// GetStats returns current source statistics
func (s *Source) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
