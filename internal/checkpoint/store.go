package checkpoint

import (
	"io"
	"time"
)

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for checkpoint persistence. The
// orchestrator depends on this rather than the concrete SQLite
// implementation.
type Store interface {
	io.Closer
	Migrator

	// Append writes a record; an existing (workflow_id, seq) pair is
	// left untouched.
	Append(rec Record) error
	// Latest returns the highest-seq record, or nil when the workflow
	// has no checkpoints.
	Latest(workflowID string) (*Record, error)
	// History returns every record for the workflow in append order.
	History(workflowID string) ([]Record, error)
	// Workflows summarizes every known workflow by its latest record.
	Workflows() ([]Summary, error)
	// Prune removes records of terminal workflows older than the age.
	Prune(olderThan time.Duration) (int64, error)
}

// Compile-time verification that DB implements the store interface.
var _ Store = (*DB)(nil)
