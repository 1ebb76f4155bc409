// Package uploader implements the recording client: it classifies captured
// frames, detects segment boundaries, and streams each segment to the server
// as ordered chunks closed by a marker chunk.
package uploader
