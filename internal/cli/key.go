package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/tingly-relay/internal/auth"
	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

func keyCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Mint a client API key",
		Long: `Mint a client API key and store its hash in the database. Minting the
first key requires no running server, so this is the bootstrap path; after
that POST /admin/keys does the same over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			gdb, err := db.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			key, err := auth.MintKey()
			if err != nil {
				return fmt.Errorf("failed to mint key: %w", err)
			}

			rec := &typ.APIKey{
				ID:       uuid.NewString(),
				Name:     name,
				KeyHash:  auth.HashKey(key),
				IsActive: true,
			}
			if err := db.NewAPIKeyStore(gdb).Create(cmd.Context(), rec); err != nil {
				return err
			}

			fmt.Println("Generated API key:")
			fmt.Println(key)
			fmt.Println()
			fmt.Println("Usage in API requests:")
			fmt.Println("Authorization: Bearer", key)
			fmt.Println()
			fmt.Println("Only the hash is stored; this plaintext cannot be shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "label shown in key listings")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
