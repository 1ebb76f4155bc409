// Package protocol defines the chunk submission wire contract shared by the
// recorder and the server: the JSON request posted to /stream-chunk, its
// acknowledgment and error bodies, and validation of required fields and the
// base64 PCM payload.
package protocol
