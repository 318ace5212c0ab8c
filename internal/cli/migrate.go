package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/data/db"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or migrate the database schema",
		Long: `Open the sqlite database from the config file and bring its schema up to
date. serve does the same on startup; migrate exists for provisioning a host
without starting the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			gdb, err := db.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			if err := db.Close(gdb); err != nil {
				return err
			}

			fmt.Printf("Database ready at %s\n", cfg.Database.Path)
			return nil
		},
	}
}
