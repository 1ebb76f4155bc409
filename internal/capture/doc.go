// Package capture replays recorded PCM as a live frame stream. Raw
// 16-bit little-endian PCM and canonical WAV files are accepted.
package capture
