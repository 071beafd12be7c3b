package main

import (
	"github.com/spf13/cobra"

	"sitewatch/config"
	"sitewatch/db"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the database runs the migration.
			if err := setup(cmd); err != nil {
				return err
			}
			defer db.Close()
			config.Logger.WithField("driver", config.AppConfig.DatabaseDriver).Info("schema migrated")
			return nil
		},
	}
}
