// Package audio holds the PCM containers shared by the recorder and the server:
// the client-side frame queue, the server-side sparse chunk store that
// reassembles a segment in chunk-index order, and the 44-byte WAV header
// written in front of every assembled segment.
package audio
