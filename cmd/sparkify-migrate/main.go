package main

import (
	"fmt"
	"os"

	"github.com/faqeel/sparkify-pipeline/internal/config"
	internal_storage "github.com/faqeel/sparkify-pipeline/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "sparkify-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the run-state database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		// config.Load reads .env when present.
		cfg, err := config.Load(cmd.Context(), "")
		if err != nil {
			fmt.Printf("Failed to load config: %v\n", err)
			os.Exit(1)
		}
		if connStr, _ := cmd.Flags().GetString("db"); connStr != "" {
			cfg.DatabaseURL = connStr
		}
		if source, _ := cmd.Flags().GetString("source"); source != "" {
			cfg.Migrations = source
		}
		if cfg.DatabaseURL == "" {
			fmt.Println("Error: --db flag, DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_NAME) required")
			os.Exit(1)
		}
		if err := internal_storage.Migrate(cfg.Migrations, cfg.DatabaseURL); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	migrateCmd.Flags().String("source", "", "Migration source URL (defaults to MIGRATIONS_SOURCE or file://migrations)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
