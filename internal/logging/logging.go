// Package logging supplies the structured logger used across the
// reactor, transport, and tracker layers. The runtime never configures
// sinks, levels, or output paths itself — that belongs to the caller's
// process-wide zap configuration. Nop() is the default so the runtime
// is silent unless a logger is explicitly wired in.
package logging

import "go.uber.org/zap"

// Nop returns a logger that discards all records, used as the default
// when a component is constructed without an explicit *zap.Logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l if non-nil, otherwise Nop().
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
