package app

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
					if err := postgres.RunMigrations(ctx, db); err != nil {
						return err
					}
					logger.Infow("migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
					if err := postgres.RollbackMigration(ctx, db); err != nil {
						return err
					}
					logger.Infow("migration rolled back")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the state of every known migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
					statuses, err := postgres.MigrationStatus(ctx, db)
					if err != nil {
						return err
					}
					for _, st := range statuses {
						applied := "pending"
						if !st.AppliedAt.IsZero() {
							applied = st.AppliedAt.Format("2006-01-02 15:04:05 UTC")
						}
						fmt.Printf("%-10s %s (%s)\n", st.State, st.Source.Path, applied)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// withMigrationDB opens a database/sql handle from the configured URL, runs
// fn, and closes the handle.
func withMigrationDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url must be set to run migrations")
	}

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return fn(ctx, db)
}
