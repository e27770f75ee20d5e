// Package logger wraps zap with a process-wide sugared logger and helpers that
// carry a scoped logger through context.Context, so cycle and card identifiers
// follow every log line of a unit of work.
package logger
