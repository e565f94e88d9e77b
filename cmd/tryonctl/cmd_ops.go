package main

import (
	"fmt"
	"os"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/auth"
	"github.com/HanTheDev/tryon-gateway/internal/config"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/logger"
	"github.com/HanTheDev/tryon-gateway/internal/worker"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	Long:  `Issue a JWT for the /admin API signed with JWT_SECRET.`,
	RunE:  runToken,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the retention sweep once",
	RunE:  runSweep,
}

func init() {
	tokenCmd.Flags().String("subject", "operator", "Token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	token, err := auth.GenerateAdminToken(subject, cfg.JWTSecret, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, database, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer database.Close()

	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}

	res, err := worker.NewSweeper(database, cfg.RetentionDays, cfg.SweepInterval, cfg.StaleAfter, log).Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d rate limit windows, %d cache entries, %d generations completed before %s\n",
		res.RateLimits, res.CacheEntries, res.Generations, res.Cutoff.Format(time.RFC3339))
	if res.Stale > 0 {
		fmt.Printf("Marked %d stale generations as ERROR\n", res.Stale)
	}
	return nil
}
