// Package logger adapts zap and logrus to spibridge.Logger.
//
// *slog.Logger already satisfies spibridge.Logger and needs no adapter.
//
//	zl, _ := zap.NewProduction()
//	b, err := spibridge.Open(backend, spibridge.WithLogger(logger.NewZap(zl)))
package logger
