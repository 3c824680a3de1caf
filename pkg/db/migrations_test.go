package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTableMigration(version int64, table string) Migration {
	return Migration{
		Version:     version,
		Description: "Create " + table,
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE " + table + " (id INTEGER PRIMARY KEY)")
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec("DROP TABLE " + table)
			return err
		},
	}
}

func tableExists(t *testing.T, r *MigrationRunner, name string) bool {
	t.Helper()
	var exists bool
	err := r.db.Get(&exists, `
		SELECT COUNT(*) > 0 FROM sqlite_master
		WHERE type='table' AND name=?
	`, name)
	require.NoError(t, err)
	return exists
}

func columnNames(t *testing.T, r *MigrationRunner, table string) []string {
	t.Helper()
	var names []string
	err := r.db.Select(&names, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	require.NoError(t, err)
	return names
}

func TestValidate(t *testing.T) {
	noop := func(*sql.Tx) error { return nil }

	t.Run("valid registry", func(t *testing.T) {
		err := Validate([]Migration{
			{Version: 1, Description: "one", Up: noop},
			{Version: 2, Description: "two", Up: noop, Down: noop},
		})
		assert.NoError(t, err)
	})

	t.Run("duplicate version", func(t *testing.T) {
		err := Validate([]Migration{
			{Version: 1, Description: "one", Up: noop},
			{Version: 1, Description: "one again", Up: noop},
		})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, cfgErr.Reason, "duplicate")
	})

	t.Run("missing up", func(t *testing.T) {
		err := Validate([]Migration{
			{Version: 1, Description: "no up"},
		})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, cfgErr.Reason, "no Up function")
	})

	t.Run("non-positive version", func(t *testing.T) {
		err := Validate([]Migration{
			{Version: 0, Description: "zero", Up: noop},
		})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})
}

func TestRunner_Run_InvalidRegistryFailsBeforeAnyTransaction(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	executed := false
	err := r.Run(ctx, []Migration{
		{Version: 1, Description: "dup", Up: func(*sql.Tx) error { executed = true; return nil }},
		{Version: 1, Description: "dup", Up: func(*sql.Tx) error { executed = true; return nil }},
	})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, executed)

	// The ledger was never materialized either
	assert.False(t, tableExists(t, r, "schema_migrations"))
}

func TestRunner_Run_AppliesInAscendingOrder(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	var order []int64
	record := func(v int64) func(*sql.Tx) error {
		return func(*sql.Tx) error {
			order = append(order, v)
			return nil
		}
	}

	// Declared 3, 1, 2 on purpose
	err := r.Run(ctx, []Migration{
		{Version: 3, Description: "third", Up: record(3)},
		{Version: 1, Description: "first", Up: record(1)},
		{Version: 2, Description: "second", Up: record(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, order)

	versions, err := r.GetAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, versions)
}

func TestRunner_Run_Idempotent(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	executions := 0
	migrations := []Migration{
		{
			Version:     1,
			Description: "Create test table",
			Up: func(tx *sql.Tx) error {
				executions++
				_, err := tx.Exec("CREATE TABLE test_table (id INTEGER PRIMARY KEY)")
				return err
			},
		},
	}

	require.NoError(t, r.Run(ctx, migrations))
	require.NoError(t, r.Run(ctx, migrations))

	assert.Equal(t, 1, executions)

	var count int
	require.NoError(t, r.db.Get(&count, "SELECT COUNT(*) FROM schema_migrations"))
	assert.Equal(t, 1, count)
}

func TestRunner_Run_FailFast(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	thirdAttempted := false
	migrations := []Migration{
		createTableMigration(1, "first_table"),
		{
			Version:     2,
			Description: "Broken migration",
			Up: func(tx *sql.Tx) error {
				// Partial effect inside the transaction, then failure
				if _, err := tx.Exec("CREATE TABLE second_table (id INTEGER PRIMARY KEY)"); err != nil {
					return err
				}
				return errors.New("boom")
			},
		},
		{
			Version:     3,
			Description: "Never reached",
			Up: func(*sql.Tx) error {
				thirdAttempted = true
				return nil
			},
		},
	}

	err := r.Run(ctx, migrations)
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, int64(2), execErr.Version)
	assert.Equal(t, "Broken migration", execErr.Description)

	// Migration 1 landed, 2 was rolled back entirely, 3 never ran
	assert.True(t, tableExists(t, r, "first_table"))
	assert.False(t, tableExists(t, r, "second_table"))
	assert.False(t, thirdAttempted)

	current, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}

func TestRunner_CurrentVersion_LazyLedger(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	current, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)

	// Reading the version must not create the ledger
	assert.False(t, tableExists(t, r, "schema_migrations"))

	versions, err := r.GetAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestRunner_Run_EmptyRegistry(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, nil))

	current, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)
}

func TestRunner_Run_LedgerConflictSurfacesAsLedgerError(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	// Simulates losing a startup race: the winning process has recorded
	// version 1 between this runner's scan and its record insert.
	migrations := []Migration{
		{
			Version:     1,
			Description: "Racing migration",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(
					"INSERT INTO schema_migrations (version, applied_at, description) VALUES (1, CURRENT_TIMESTAMP, 'winner')")
				return err
			},
		},
	}

	err := r.Run(ctx, migrations)
	require.Error(t, err)

	var ledgerErr *LedgerError
	require.ErrorAs(t, err, &ledgerErr)
}

func TestRunner_Rollback_RoundTrip(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{
			Version:     1,
			Description: "Create users table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("DROP TABLE users")
				return err
			},
		},
		{
			Version:     2,
			Description: "Add email to users",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("ALTER TABLE users ADD COLUMN email TEXT")
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("ALTER TABLE users DROP COLUMN email")
				return err
			},
		},
	}

	require.NoError(t, r.Run(ctx, migrations))

	current, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current)
	assert.Equal(t, []string{"id", "name", "email"}, columnNames(t, r, "users"))

	require.NoError(t, r.Rollback(ctx, migrations))

	current, err = r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
	assert.Equal(t, []string{"id", "name"}, columnNames(t, r, "users"))
}

func TestRunner_Rollback_EmptyLedgerIsNoop(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, r.Rollback(ctx, []Migration{createTableMigration(1, "t1")}))
}

func TestRunner_RollbackVersion_OutOfOrder(t *testing.T) {
	// Rolling back a version below the current maximum is allowed; the
	// runner does not police rollback ordering.
	r := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{
		createTableMigration(1, "t1"),
		createTableMigration(2, "t2"),
	}
	require.NoError(t, r.Run(ctx, migrations))

	require.NoError(t, r.RollbackVersion(ctx, migrations, 1))

	assert.False(t, tableExists(t, r, "t1"))
	assert.True(t, tableExists(t, r, "t2"))

	// Current version is still 2: only the targeted row was removed
	current, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current)

	versions, err := r.GetAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, versions)
}

func TestRunner_RollbackVersion_MissingDown(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{
			Version:     1,
			Description: "Irreversible",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE t1 (id INTEGER PRIMARY KEY)")
				return err
			},
		},
	}
	require.NoError(t, r.Run(ctx, migrations))

	err := r.RollbackVersion(ctx, migrations, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rollback function")
}

func TestRunner_RollbackVersion_UnknownVersion(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{createTableMigration(1, "t1")}
	require.NoError(t, r.Run(ctx, migrations))

	err := r.RollbackVersion(ctx, migrations, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in registry")
}

func TestRunner_RollbackVersion_FailureLeavesStateIntact(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{
			Version:     1,
			Description: "Create t1",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE t1 (id INTEGER PRIMARY KEY)")
				return err
			},
			Down: func(tx *sql.Tx) error {
				if _, err := tx.Exec("DROP TABLE t1"); err != nil {
					return err
				}
				return errors.New("down failed")
			},
		},
	}
	require.NoError(t, r.Run(ctx, migrations))

	err := r.RollbackVersion(ctx, migrations, 1)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, int64(1), execErr.Version)

	// The failed rollback was undone: table still there, ledger unchanged
	assert.True(t, tableExists(t, r, "t1"))
	current, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}

func TestRunner_Run_ResumesAfterFailure(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	broken := true
	migrations := []Migration{
		createTableMigration(1, "t1"),
		{
			Version:     2,
			Description: "Flaky migration",
			Up: func(tx *sql.Tx) error {
				if broken {
					return errors.New("transient schema problem")
				}
				_, err := tx.Exec("CREATE TABLE t2 (id INTEGER PRIMARY KEY)")
				return err
			},
		},
	}

	require.Error(t, r.Run(ctx, migrations))

	// Operator fixes the problem and reruns: only version 2 is pending
	broken = false
	require.NoError(t, r.Run(ctx, migrations))

	versions, err := r.GetAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, versions)
}

func TestRunner_GetAppliedMigrations(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	migrations := []Migration{
		createTableMigration(1, "t1"),
		createTableMigration(2, "t2"),
	}
	require.NoError(t, r.Run(ctx, migrations))

	applied, err := r.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)

	assert.Equal(t, int64(1), applied[0].Version)
	assert.Equal(t, "Create t1", applied[0].Description.String)
	assert.False(t, applied[0].AppliedAt.IsZero())
	assert.Equal(t, int64(2), applied[1].Version)
}
