// Package logging configures the structured slog logger used by every
// hybridrank command.
//
// Without a log file, records go to stderr as text. With one, records are
// written as JSON to a size-rotated file, optionally mirrored to stderr. The
// serve command never writes to stderr or stdout because stdout carries the
// MCP protocol stream.
package logging
