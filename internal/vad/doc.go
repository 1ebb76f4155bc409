// Package vad provides energy-based voice activity detection.
// It classifies fixed-size PCM frames as sound or silence by RMS energy and
// runs a sliding-window majority vote with a silence timer to decide where
// one utterance segment ends and the next begins.
package vad
