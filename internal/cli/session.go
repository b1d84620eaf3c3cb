package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alexhholmes/spibridge"
	"github.com/alexhholmes/spibridge/backend/memory"
	"github.com/alexhholmes/spibridge/backend/postgres"
	"github.com/alexhholmes/spibridge/backend/sqlite"
	"github.com/alexhholmes/spibridge/logger"
	"github.com/alexhholmes/spibridge/native"
)

// openBridge opens the configured backend and a bridge in front of it. The
// returned func closes both.
func openBridge(ctx context.Context, cfg *Config, logOut io.Writer) (*spibridge.Bridge, func() error, error) {
	log, syncLog, err := newLogger(cfg, logOut)
	if err != nil {
		return nil, nil, err
	}

	var be native.Backend
	closeBackend := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		be = memory.New()
	case "sqlite":
		sb, err := sqlite.Open(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		be, closeBackend = sb, sb.Close
	case "postgres":
		pb, err := postgres.OpenDSN(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		be, closeBackend = pb, pb.Close
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	policy := spibridge.RollbackKeep
	if strings.EqualFold(cfg.RollbackPolicy, "pop") {
		policy = spibridge.RollbackPop
	}

	b, err := spibridge.Open(be,
		spibridge.WithLogger(log),
		spibridge.WithRollbackPolicy(policy),
		spibridge.WithHandleCacheSize(cfg.HandleCacheSize),
	)
	if err != nil {
		_ = closeBackend()
		return nil, nil, err
	}

	closeAll := func() error {
		err := b.Close()
		if cerr := closeBackend(); err == nil {
			err = cerr
		}
		syncLog()
		return err
	}
	return b, closeAll, nil
}

// newLogger builds the configured logger. The returned func flushes it.
func newLogger(cfg *Config, w io.Writer) (spibridge.Logger, func(), error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "slog":
		h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
		return slog.New(h), func() {}, nil

	case "zap":
		enc := zap.NewDevelopmentEncoderConfig()
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), zapLevel(level))
		zl := zap.New(core)
		return logger.NewZap(zl), func() { _ = zl.Sync() }, nil

	case "logrus":
		lr := logrus.New()
		lr.SetOutput(w)
		lr.SetLevel(logrusLevel(level))
		return logger.NewLogrus(lr), func() {}, nil

	default:
		return spibridge.DiscardLogger{}, func() {}, nil
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
	}
	return l, nil
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zapcore.DebugLevel
	case l <= slog.LevelInfo:
		return zapcore.InfoLevel
	case l <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func logrusLevel(l slog.Level) logrus.Level {
	switch {
	case l <= slog.LevelDebug:
		return logrus.DebugLevel
	case l <= slog.LevelInfo:
		return logrus.InfoLevel
	case l <= slog.LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
