package engine

import "log/slog"

// LogSink receives the engine's log lines. Implementations must be safe
// for concurrent use; every worker logs through the same sink.
type LogSink interface {
	LogMessage(worker int, msg string)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(worker int, msg string)

func (f LogSinkFunc) LogMessage(worker int, msg string) {
	f(worker, msg)
}

// SlogSink writes log lines through a slog.Logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) LogMessage(worker int, msg string) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info(msg, "worker", worker)
}
