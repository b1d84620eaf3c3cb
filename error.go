package spibridge

import (
	"errors"
	"fmt"

	"github.com/alexhholmes/spibridge/internal/base"
	"github.com/alexhholmes/spibridge/native"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrStaleHandle         = base.ErrStaleHandle
	ErrIndexOutOfRange     = base.ErrIndexOutOfRange
	ErrInvalidState        = base.ErrInvalidState
	ErrUnsupportedIdentity = base.ErrUnsupportedIdentity
	ErrNativeFailure       = base.ErrNativeFailure
	ErrDescriptorMismatch  = base.ErrDescriptorMismatch
	ErrEpochClosed         = base.ErrEpochClosed
	ErrNameInUse           = base.ErrNameInUse

	ErrBridgeClosed = errors.New("bridge is closed")
	ErrTxInProgress = errors.New("transaction already in progress")
	ErrTxDone       = errors.New("transaction has been committed or rolled back")
	ErrNotSupported = errors.New("operation not supported by backend")
	ErrNoSuchColumn = errors.New("no such column")
	ErrEmptyName    = errors.New("savepoint name cannot be empty")
)

// OpError is returned by every bridge entry point. It names the operation and
// the handle or savepoint it was applied to. errors.Is matches the sentinel in
// Err; native failures additionally unwrap to the backend's own error.
type OpError struct {
	Op     string
	Target string
	Err    error
}

func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("spibridge: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("spibridge: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Target: target, Err: err}
}

// nativeError classifies an error reported by the backend. A vanished
// resource is a stale handle; anything else is passed through verbatim behind
// ErrNativeFailure.
func nativeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, native.ErrResourceGone) {
		return fmt.Errorf("%w: %w", ErrStaleHandle, err)
	}
	if errors.Is(err, ErrNativeFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNativeFailure, err)
}
