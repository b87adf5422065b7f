package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/postgres"
	"github.com/beaconhq/beacon/internal/schema"
)

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Initialize the database schema and exit",
	Long: `Connects to PostgreSQL and creates every extension, table, index
and constraint the service needs. Safe to run repeatedly: existing
objects are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInitDB(cmd)
	},
}

func init() {
	rootCmd.AddCommand(initdbCmd)
}

func runInitDB(cmd *cobra.Command) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Env)

	db := postgres.New(postgres.Config{
		DSN:          cfg.ResolveDSN(),
		FallbackDSNs: cfg.FallbackDSNs(),
		MinConns:     1,
		MaxConns:     2,
	}, logger)
	defer db.Close()

	if err := db.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if err := schema.New(db, logger).Initialize(ctx); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	logger.Info("schema initialized")
	return nil
}
