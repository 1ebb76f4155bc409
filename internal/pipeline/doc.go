// Package pipeline runs assembled segments through external audio
// transformations. Each job writes its WAV to the work directory, runs the
// stages in order (denoise, then compress), stops at the first StageError and
// forwards the final artifact to the transcriber. Concurrency is bounded by a
// weighted semaphore and every segment's progress is kept in a StatusStore.
package pipeline
