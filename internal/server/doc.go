// Package server implements the HTTP API. It accepts chunk submissions on
// POST /stream-chunk, routes them to the session reassembler, and provides
// monitoring endpoints for sessions, segment statuses, configuration,
// statistics and Prometheus metrics.
package server
