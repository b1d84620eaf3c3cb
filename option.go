package spibridge

import (
	"github.com/alexhholmes/spibridge/internal/handle"
	"github.com/alexhholmes/spibridge/internal/savepoint"
)

// RollbackPolicy controls what RollbackToSavepoint does with its target.
type RollbackPolicy = savepoint.RollbackPolicy

const (
	// RollbackKeep leaves the target savepoint Active after rolling back to
	// it, matching SQL ROLLBACK TO SAVEPOINT. This is the default.
	RollbackKeep = savepoint.RollbackKeep

	// RollbackPop releases the target after rolling back to it, so it is
	// RolledBack and gone from the stack.
	RollbackPop = savepoint.RollbackPop
)

// Options configures bridge behavior.
type Options struct {
	logger         Logger
	rollbackPolicy RollbackPolicy
	cacheSize      uint32 // Capacity of the native ref to handle cache.
	privateLock    bool   // Use a gate of its own instead of the process-wide one.
}

// DefaultOptions returns safe default configuration.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		logger:         DiscardLogger{},
		rollbackPolicy: RollbackKeep,
		cacheSize:      handle.DefaultCacheSize,
	}
}

// Option configures bridge options using the functional options pattern.
type Option func(*Options)

// WithLogger sets the logger. A *slog.Logger satisfies Logger directly; see
// package logger for zap and logrus.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l == nil {
			l = DiscardLogger{}
		}
		opts.logger = l
	}
}

// WithRollbackPolicy selects whether rolling back to a savepoint keeps it.
//
//goland:noinspection GoUnusedExportedFunction
func WithRollbackPolicy(p RollbackPolicy) Option {
	return func(opts *Options) {
		opts.rollbackPolicy = p
	}
}

// WithHandleCacheSize sets how many native refs are remembered for handle
// reuse. Refs evicted from the cache get a fresh handle when registered again.
//
//goland:noinspection GoUnusedExportedFunction
func WithHandleCacheSize(n uint32) Option {
	return func(opts *Options) {
		opts.cacheSize = n
	}
}

// WithPrivateLock gives the bridge its own backend gate. Only use this when
// the backend behind the bridge shares no native state with any other bridge
// in the process.
//
//goland:noinspection GoUnusedExportedFunction
func WithPrivateLock() Option {
	return func(opts *Options) {
		opts.privateLock = true
	}
}
