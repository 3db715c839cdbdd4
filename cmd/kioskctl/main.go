package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"facekiosk/internal/config"
	"facekiosk/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "kioskctl",
	Short: "Administer the attendance kiosk database",
	Long: `kioskctl applies the schema and inspects the users and attendance records
written by the kiosk. It reads the same environment (and optional .env file)
as the API.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		// .env file is optional
		_ = godotenv.Load()
	})
	rootCmd.AddCommand(migrateCmd, recordsCmd, usersCmd)
}

// openDB loads config and connects to Postgres.
func openDB(ctx context.Context) (*store.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}
