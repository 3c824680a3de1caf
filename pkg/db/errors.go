package db

import "fmt"

// ConfigError indicates an invalid migration registry (duplicate version,
// non-positive version, or a missing Up function). It is detected before any
// transaction is opened and is fatal to the caller.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid migration registry: " + e.Reason
}

// ExecutionError indicates that a migration's Up or Down function failed.
// The enclosing transaction has been rolled back, so the database is in the
// state it was in before the attempt.
type ExecutionError struct {
	Version     int64
	Description string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Description, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// LedgerError indicates that the schema_migrations ledger itself could not be
// read or written. A duplicate version insert surfaces here when two
// processes race to apply the same migration; the loser must treat this as a
// fatal startup error.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("migration ledger: %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}
