package main

import (
	"context"
	"fmt"
	"os"

	"github.com/HanTheDev/tryon-gateway/internal/config"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tryonctl",
	Short: "Operator tool for the try-on gateway",
	Long: `tryonctl manages the try-on gateway database directly.

Examples:
  tryonctl migrate
  tryonctl tenant create --name "Acme Shop" --domain acme.com --tier pro
  tryonctl tenant list
  tryonctl tenant deactivate <tenant-id>
  tryonctl token --subject ops
  tryonctl sweep`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(sweepCmd)
}

// openDB loads the environment config and connects to Postgres.
func openDB(ctx context.Context) (*config.Config, *db.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is not set")
	}
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, database, nil
}
