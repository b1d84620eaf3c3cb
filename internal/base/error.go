package base

import "errors"

var (
	ErrStaleHandle         = errors.New("stale handle")
	ErrIndexOutOfRange     = errors.New("column index out of range")
	ErrInvalidState        = errors.New("savepoint is not active on this transaction")
	ErrUnsupportedIdentity = errors.New("ID not generated for savepoint")
	ErrNativeFailure       = errors.New("native backend failure")
	ErrDescriptorMismatch  = errors.New("tuple descriptor does not match row shape")
	ErrEpochClosed         = errors.New("epoch already ended")
	ErrNameInUse           = errors.New("savepoint name already in use")
)
