package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nuclearlighters/workspace-manager/internal/config"
	"github.com/nuclearlighters/workspace-manager/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer database.Close(db)

		if err := database.MigrateAndSeed(db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		version, err := database.GetSchemaVersion(db)
		if err != nil {
			return err
		}
		log.Info().Str("path", cfg.DatabasePath).Int("schema_version", version).Msg("Database is up to date")
		return nil
	},
}
