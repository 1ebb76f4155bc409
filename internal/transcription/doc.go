// Package transcription implements the speech-to-text collaborator the audio
// pipeline forwards its final artifacts to. The HTTP client sends each artifact
// as multipart form data with retry and exponential backoff, and limits the
// number of concurrent requests.
package transcription
