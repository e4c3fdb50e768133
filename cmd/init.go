package cmd

import (
	"fmt"
	"github.com/arcward/rsvpbot/rsvpbot"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable RB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable RB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		// Run database migrations
		db, err := rsvpbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		events, err := rsvpbot.NewDatabase(db, nil, false).LoadAll(ctx)
		if err != nil {
			log.Fatalf("Error loading events: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database ready (%d events stored).\n", len(events))
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
