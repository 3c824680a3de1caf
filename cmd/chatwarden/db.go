package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/chatwarden/pkg/db"
	"github.com/example/chatwarden/pkg/db/migrations"
	"github.com/example/chatwarden/pkg/presenter"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the chatwarden database (migrations, status, rollbacks).`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply all pending database migrations",
	Long: `Applies all pending migrations in ascending version order, one transaction
per migration. Safe to run repeatedly: already-applied migrations are never
re-executed. This is the same gate the bot runs at startup.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}

		if err := db.RunMigrations(ctx, dbPath, migrations.All()); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}

		presenter.Success("Database schema is up to date")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	Long:  `Shows the current database migration status, including applied and pending migrations.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}

		applied, err := db.GetMigrationStatus(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		appliedMap := make(map[int64]bool)
		for _, v := range applied {
			appliedMap[v] = true
		}

		allMigrations := migrations.All()

		presenter.Section("Database Migration Status")
		presenter.Info(fmt.Sprintf("Database: %s\n", dbPath))

		appliedCount := 0
		for _, m := range allMigrations {
			status := "[ ]"
			if appliedMap[m.Version] {
				status = "[x]"
				appliedCount++
			}
			presenter.Info(fmt.Sprintf("%s %d - %s", status, m.Version, m.Description))
		}

		presenter.Info(fmt.Sprintf("\nApplied: %d/%d migrations", appliedCount, len(allMigrations)))

		return nil
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback a database migration",
	Long: `Rolls back the most recently applied migration, or a specific one when
--version is given. Rolling back a version that is not the current maximum is
allowed but is the operator's responsibility.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}

		target, err := cmd.Flags().GetInt64("version")
		if err != nil {
			return err
		}

		applied, err := db.GetMigrationStatus(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		if len(applied) == 0 {
			presenter.Warning("No migrations to rollback")
			return nil
		}

		if target == 0 {
			target = applied[len(applied)-1]
		}

		var description string
		for _, m := range migrations.All() {
			if m.Version == target {
				description = m.Description
				break
			}
		}

		presenter.Info(fmt.Sprintf("Rolling back migration %d: %s", target, description))

		if err := db.RollbackMigrationVersion(ctx, dbPath, migrations.All(), target); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}

		presenter.Success(fmt.Sprintf("Successfully rolled back migration %d", target))

		return nil
	},
}

// resolveDBPath picks the database path from --db-path, then the config
// file/environment, then the default location.
func resolveDBPath() (string, error) {
	if path := viper.GetString("db_path"); path != "" {
		return path, nil
	}
	return db.DefaultDBPath()
}

func init() {
	dbCmd.PersistentFlags().String("db-path", "", "Path to the SQLite database (defaults to ~/.chatwarden/chatwarden.db)")
	_ = viper.BindPFlag("db_path", dbCmd.PersistentFlags().Lookup("db-path"))

	dbRollbackCmd.Flags().Int64("version", 0, "Specific migration version to roll back (defaults to the latest applied)")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
}
