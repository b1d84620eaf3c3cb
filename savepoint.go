package spibridge

import "github.com/alexhholmes/spibridge/internal/savepoint"

// Savepoint is a checkpoint on a transaction's savepoint stack. It is either
// unnamed, with an id generated by the backend, or named, with no id.
type Savepoint = savepoint.Savepoint

// SavepointState is Active, Released or RolledBack.
type SavepointState = savepoint.State

const (
	SavepointActive     = savepoint.Active
	SavepointReleased   = savepoint.Released
	SavepointRolledBack = savepoint.RolledBack
)

// SavepointKind tags unnamed and named savepoints.
type SavepointKind = savepoint.Kind

const (
	UnnamedSavepoint = savepoint.Unnamed
	NamedSavepoint   = savepoint.Named
)
