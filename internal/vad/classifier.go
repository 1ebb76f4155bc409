package vad

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DefaultSilenceThreshold is the RMS level on the [-1,1] scale at or below
// which a frame counts as silence.
const DefaultSilenceThreshold = 0.005

// Classification labels a single audio frame.
type Classification int

const (
	Silence Classification = iota
	Sound
)

func (c Classification) String() string {
	switch c {
	case Silence:
		return "silence"
	case Sound:
		return "sound"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

// Classifier labels 16-bit little-endian PCM frames by RMS energy.
type Classifier struct {
	threshold float64
}

// NewClassifier creates a classifier with the given RMS threshold.
func NewClassifier(threshold float64) (*Classifier, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	return &Classifier{threshold: threshold}, nil
}

// Classify returns Sound if the frame RMS is strictly above the threshold.
func (c *Classifier) Classify(frame []byte) Classification {
	if RMS(frame) > c.threshold {
		return Sound
	}
	return Silence
}

// Threshold returns the configured RMS threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Classify labels a frame against DefaultSilenceThreshold.
func Classify(frame []byte) Classification {
	if RMS(frame) > DefaultSilenceThreshold {
		return Sound
	}
	return Silence
}

// RMS computes the root-mean-square amplitude of 16-bit little-endian PCM,
// normalised to [-1,1] by dividing each sample by 32768. A trailing odd byte
// is ignored and an empty frame has RMS 0.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(frame[2*i:]))) / 32768.0
		sumSquares += sample * sample
	}
	return math.Sqrt(sumSquares / float64(n))
}
