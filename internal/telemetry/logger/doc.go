// Package logger is the structured logger of vmsnap.
//
// It wraps log/slog behind the small Logger interface the core packages
// depend on. One process-wide level variable backs every logger created by
// New, so SetLevel takes effect everywhere at once; the config watcher uses
// it to apply log.level changes without a restart.
//
// Context helpers carry a logger plus the request and task ids through a
// call chain; L(ctx) returns a logger already tagged with both.
package logger
