package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path"

	"github.com/spf13/cobra"

	"github.com/astroAycha/geospatial-mlops/internal/config"
	"github.com/astroAycha/geospatial-mlops/internal/store"
)

var dryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the sqlite or postgres schema up to date",
	Long: `Applies pending schema migrations. Opening a store for serve, extract or
update does the same; migrate exists so deploys can do it ahead of time.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list migrations and their state without applying any")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var db *sql.DB
	switch {
	case cfg.Storage.Driver == "parquet":
		fmt.Fprintln(w, "parquet storage has no schema to migrate")
		return nil
	case dryRun:
		driverName := "sqlite"
		if cfg.Storage.Driver == "postgres" {
			driverName = "pgx"
		}
		// A raw handle: the store constructors would apply the migrations.
		db, err = sql.Open(driverName, cfg.DSN())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close() //nolint:errcheck
	default:
		s, err := store.Open(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck
		sqlS, ok := s.(interface{ DB() *sql.DB })
		if !ok {
			return fmt.Errorf("storage driver %q is not sql-backed", cfg.Storage.Driver)
		}
		db = sqlS.DB()
	}

	states, err := store.MigrationStatus(ctx, cfg.Storage.Driver, db)
	if err != nil {
		return err
	}
	printMigrations(w, states)
	return nil
}

func printMigrations(w io.Writer, states []store.MigrationState) {
	pending := 0
	for _, st := range states {
		mark := "applied"
		if !st.Applied {
			mark = "pending"
			pending++
		}
		fmt.Fprintf(w, "%05d  %-8s %s\n", st.Version, mark, path.Base(st.Path))
	}
	fmt.Fprintf(w, "%d of %d migrations pending\n", pending, len(states))
}
