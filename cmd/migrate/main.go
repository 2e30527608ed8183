// Command migrate applies the Postgres schema with goose.
//
// Usage:
//
//	migrate up                 # Apply all pending migrations
//	migrate down               # Roll back the last migration
//	migrate status             # Show migration status
//	migrate version            # Show current schema version
//	migrate redo               # Roll back and re-apply the last migration
//	migrate up-to 2            # Migrate up to a specific version
//
// DATABASE_URL (or --database-url) selects the database. The embedded bbolt
// store needs no migrations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

var (
	flagDatabaseURL string
	flagDir         string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the cosigner Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	root.PersistentFlags().StringVar(&flagDir, "dir", "migrations", "Directory holding the goose migrations")

	root.AddCommand(
		gooseCmd("up", "Apply all pending migrations", cobra.NoArgs),
		gooseCmd("down", "Roll back the last migration", cobra.NoArgs),
		gooseCmd("status", "Show migration status", cobra.NoArgs),
		gooseCmd("version", "Show the current schema version", cobra.NoArgs),
		gooseCmd("redo", "Roll back and re-apply the last migration", cobra.NoArgs),
		gooseCmd("up-to", "Migrate up to VERSION", cobra.ExactArgs(1)),
		gooseCmd("down-to", "Roll back down to VERSION", cobra.ExactArgs(1)),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func gooseCmd(name, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), name, args)
		},
	}
}

func run(ctx context.Context, command string, args []string) error {
	if flagDatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or --database-url is required")
	}
	db, err := sql.Open("postgres", flagDatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, flagDir, args...); err != nil {
		return fmt.Errorf("%s failed: %w", command, err)
	}
	return nil
}
