package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/indexsync/internal/config"
	"github.com/alfredjeanlab/indexsync/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Apply database migrations for every configured tenant",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, t := range cfg.TenantList() {
			if t.DatabaseURL == "" {
				return fmt.Errorf("tenant %s: no database_url configured", t.ID)
			}
			// postgres.New migrates before returning.
			s, err := postgres.New(t.DatabaseURL)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", t.ID, err)
			}
			s.Close()
			fmt.Printf("%s: migrated\n", t.ID)
		}
		return nil
	},
}
