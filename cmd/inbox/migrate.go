package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"inboxrelay/internal/inbox/store"
	"inboxrelay/internal/platform/logger"
)

func newMigrateCommand(rootOpts *rootOptions) *cobra.Command {
	var schema string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the inbox tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Server.LogLevel)

			db, err := sql.Open("postgres", cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := store.Migrate(cmd.Context(), db, schema); err != nil {
				return err
			}
			log.Info("migrations applied", "schema", schema)
			return nil
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "create the tables inside this schema")
	return cmd
}
