// Package log provides structured logging for Burrow using zerolog.
//
// It offers a global logger with configurable level and output format
// (JSON for production, console for development), plus helpers to
// create child loggers with common fields like component and sandbox_id.
package log
