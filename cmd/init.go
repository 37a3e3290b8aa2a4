package cmd

import (
	"fmt"
	"github.com/kairo0916/ai-exho-discord-bot/exho"
	"github.com/spf13/cobra"
	"log"
	"os"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare conversation storage for the configured memory backend",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		switch cfg.Memory.Backend {
		case "database":
			if cfg.Memory.DatabaseType == "" {
				log.Fatal("EXHO_MEMORY_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
			}
			if cfg.Memory.Database == "" {
				log.Fatal(
					"EXHO_MEMORY_DATABASE not set (must be a valid " +
						"database connection string or sqlite file path)",
				)
			}
			db, err := exho.CreateDB(ctx, cfg.Memory.DatabaseType, cfg.Memory.Database, nil)
			if err != nil {
				log.Fatalf("Error creating database: %v", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintf(out, "Database schema created (%s).\n", cfg.Memory.DatabaseType)
		case "file", "":
			if err := os.MkdirAll(cfg.Memory.Dir, 0o755); err != nil {
				log.Fatalf("Error creating memory directory: %v", err)
			}
			fmt.Fprintf(out, "Memory directory ready: %s\n", cfg.Memory.Dir)
		default:
			fmt.Fprintf(out, "Nothing to prepare for the %q backend.\n", cfg.Memory.Backend)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
