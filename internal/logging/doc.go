// Package logging builds the slog logger used by every binary from the logging
// section of the configuration.
package logging
