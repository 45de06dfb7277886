package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jordigilh/wrenchbot/pkg/observability"
	"github.com/jordigilh/wrenchbot/pkg/taskstore"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply task store and event log schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := connectStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := pingDB(db.DB); err != nil {
				return err
			}

			if err := taskstore.Migrate(db.DB); err != nil {
				return newUnavailableError(fmt.Errorf("migrating task store: %w", err))
			}
			if err := observability.Migrate(db.DB); err != nil {
				return newUnavailableError(fmt.Errorf("migrating event log: %w", err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
