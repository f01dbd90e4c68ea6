package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/heatlogd/internal/config"
	"github.com/chadmayfield/heatlogd/internal/store"
)

var dryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the current schema version without applying migrations")
	rootCmd.AddCommand(migrateCmd)
}

// dbOpener is satisfied by both SQLiteStore and PostgresStore.
type dbOpener interface {
	DB() *sql.DB
	Close() error
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if dryRun {
		slog.Info("dry run, reading schema version only")
		return showMigrationStatus(cmd, cfg)
	}

	// Opening the store runs the migrations.
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	version := int64(0)
	if db, ok := s.(dbOpener); ok {
		if version, err = store.MigrationStatus(db.DB(), cfg.Storage.Driver); err != nil {
			return err
		}
	}
	slog.Info("migrations complete", "driver", cfg.Storage.Driver, "version", version)
	return nil
}

func showMigrationStatus(cmd *cobra.Command, cfg *config.Config) error {
	driverName := "sqlite"
	if cfg.Storage.Driver == "postgres" {
		driverName = "pgx"
	}

	db, err := sql.Open(driverName, cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	// An uninitialized database reads as version 0.
	version, err := store.MigrationStatus(db, cfg.Storage.Driver)
	if err != nil {
		slog.Debug("reading schema version", "error", err)
		version = 0
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s schema version: %d\n", cfg.Storage.Driver, version)
	return nil
}
