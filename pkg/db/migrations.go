package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/example/chatwarden/pkg/logger"
)

// Migration represents a single versioned schema change. Versions are
// author-assigned positive integers; once a migration has shipped its
// definition must never change.
type Migration struct {
	Version     int64
	Description string
	Up          func(*sql.Tx) error
	Down        func(*sql.Tx) error // Optional rollback function; nil marks an irreversible migration
}

// Validate checks registry invariants: versions must be positive and unique,
// and every migration must have an Up function. It is pure and runs before
// any transaction is opened.
func Validate(migrations []Migration) error {
	seen := make(map[int64]bool, len(migrations))
	for _, m := range migrations {
		if m.Version <= 0 {
			return &ConfigError{Reason: fmt.Sprintf("migration %q has non-positive version %d", m.Description, m.Version)}
		}
		if seen[m.Version] {
			return &ConfigError{Reason: fmt.Sprintf("duplicate migration version %d", m.Version)}
		}
		seen[m.Version] = true
		if m.Up == nil {
			return &ConfigError{Reason: fmt.Sprintf("migration %d (%s) has no Up function", m.Version, m.Description)}
		}
	}
	return nil
}

// MigrationRunner applies and rolls back migrations against a single
// database. It owns all writes to the schema_migrations ledger; the database
// handle itself is borrowed from the caller.
type MigrationRunner struct {
	db *sqlx.DB
	mu sync.Mutex
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sqlx.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// Run applies all pending migrations in ascending version order, one
// transaction per migration. It stops at the first failure and never skips
// or reorders. Running with no pending migrations is a no-op, so it is safe
// to call on every startup.
func (r *MigrationRunner) Run(ctx context.Context, migrations []Migration) error {
	if err := Validate(migrations); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLedger(ctx); err != nil {
		return err
	}

	// Current version is read fresh on every call, never cached across
	// calls: another process may have migrated the store in between.
	current, err := r.currentVersion(ctx)
	if err != nil {
		return err
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	pending := 0
	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		pending++
		log := logger.G(ctx).WithField("version", m.Version).WithField("description", m.Description)
		log.Info("applying migration")
		if err := r.applyMigration(ctx, m); err != nil {
			log.WithError(err).Error("migration failed")
			return err
		}
	}

	if pending == 0 {
		logger.G(ctx).WithField("version", current).Debug("database schema is up to date")
	}

	return nil
}

// CurrentVersion returns the maximum applied migration version, or 0 when no
// migration has been applied. It tolerates the ledger table not existing yet
// and does not create it.
func (r *MigrationRunner) CurrentVersion(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentVersion(ctx)
}

func (r *MigrationRunner) currentVersion(ctx context.Context) (int64, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT COUNT(*) > 0 FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`)
	if err != nil {
		return 0, &LedgerError{Op: "check ledger table", Err: err}
	}
	if !exists {
		return 0, nil
	}

	var version int64
	err = r.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err != nil {
		return 0, &LedgerError{Op: "read current version", Err: err}
	}
	return version, nil
}

// Rollback rolls back the most recently applied migration. It is a no-op
// when the ledger is empty.
func (r *MigrationRunner) Rollback(ctx context.Context, migrations []Migration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return nil // Nothing to rollback
	}

	return r.rollbackVersion(ctx, migrations, current)
}

// RollbackVersion rolls back a single migration identified by version. It
// does not verify that version is the current maximum; rolling back out of
// order is the operator's responsibility.
func (r *MigrationRunner) RollbackVersion(ctx context.Context, migrations []Migration, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbackVersion(ctx, migrations, version)
}

func (r *MigrationRunner) rollbackVersion(ctx context.Context, migrations []Migration, version int64) error {
	for _, m := range migrations {
		if m.Version == version {
			if m.Down == nil {
				return errors.Errorf("migration %d has no rollback function", version)
			}
			log := logger.G(ctx).WithField("version", m.Version).WithField("description", m.Description)
			log.Info("rolling back migration")
			if err := r.rollbackMigration(ctx, m); err != nil {
				log.WithError(err).Error("rollback failed")
				return err
			}
			return nil
		}
	}
	return errors.Errorf("migration %d not found in registry", version)
}

func (r *MigrationRunner) ensureLedger(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return &LedgerError{Op: "create ledger table", Err: err}
	}
	return nil
}

func (r *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return &LedgerError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := m.Up(tx.Tx); err != nil {
		return &ExecutionError{Version: m.Version, Description: m.Description, Err: err}
	}

	// The version column is the PRIMARY KEY, so when two processes race to
	// apply the same migration the second insert fails and that process
	// fails its startup.
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, time.Now().UTC(), m.Description)
	if err != nil {
		return &LedgerError{Op: fmt.Sprintf("record migration %d", m.Version), Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &LedgerError{Op: fmt.Sprintf("commit migration %d", m.Version), Err: err}
	}
	return nil
}

func (r *MigrationRunner) rollbackMigration(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return &LedgerError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := m.Down(tx.Tx); err != nil {
		return &ExecutionError{Version: m.Version, Description: m.Description, Err: err}
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
	if err != nil {
		return &LedgerError{Op: fmt.Sprintf("remove migration record %d", m.Version), Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &LedgerError{Op: fmt.Sprintf("commit rollback %d", m.Version), Err: err}
	}
	return nil
}

// GetAppliedVersions returns all applied migration versions in ascending order.
func (r *MigrationRunner) GetAppliedVersions(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, nil
	}

	var versions []int64
	err = r.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, &LedgerError{Op: "read applied versions", Err: err}
	}
	return versions, nil
}

// AppliedMigration is a single row of the schema_migrations ledger.
type AppliedMigration struct {
	Version     int64          `db:"version"`
	AppliedAt   time.Time      `db:"applied_at"`
	Description sql.NullString `db:"description"`
}

// GetAppliedMigrations returns the full ledger in ascending version order.
func (r *MigrationRunner) GetAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, nil
	}

	var applied []AppliedMigration
	err = r.db.SelectContext(ctx, &applied, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, &LedgerError{Op: "read ledger", Err: err}
	}
	return applied, nil
}
