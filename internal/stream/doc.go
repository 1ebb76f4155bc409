// Package stream provides session management and segment reassembly.
// It tracks client sessions in a registry with automatic cleanup of idle
// sessions, stores incoming chunks per segment, and turns each closed segment
// into a WAV buffer handed to the audio pipeline.
package stream
