package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdiitm/logconsole/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate: DATABASE_URL is not set")
			}
			pool, err := store.Connect(cmd.Context(), cfg.DatabaseURL, cfg.DBConnectTimeout, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.Migrate(cmd.Context(), pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied")
			return nil
		},
	}
}
