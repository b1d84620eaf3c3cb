package spibridge

// Logger is the logging surface the bridge writes to. *slog.Logger satisfies
// it as is; package logger adapts zap and logrus.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DiscardLogger drops everything. It is the default.
type DiscardLogger struct{}

func (DiscardLogger) Debug(string, ...any) {}

func (DiscardLogger) Info(string, ...any) {}

func (DiscardLogger) Warn(string, ...any) {}

func (DiscardLogger) Error(string, ...any) {}
