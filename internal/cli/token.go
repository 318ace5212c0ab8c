package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tingly-dev/tingly-relay/internal/auth"
	"github.com/tingly-dev/tingly-relay/internal/config"
)

func tokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin token for the management API",
		Long: `Mint a JWT signed with the jwt_secret from the config file. The token
authorizes the /admin endpoints and expires after the configured TTL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Auth.AdminTokenTTL()
			}

			token, err := auth.NewJWTManager(cfg.Auth.JWTSecret).GenerateAdminToken(subject, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate admin token: %w", err)
			}

			fmt.Println("Generated admin token:")
			fmt.Println(token)
			fmt.Println()
			fmt.Println("Usage in API requests:")
			fmt.Println("Authorization: Bearer", token)
			fmt.Println()
			fmt.Printf("The token expires in %s.\n", ttl)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "admin", "subject recorded in the token claims")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.admin_token_ttl_hours from config)")

	return cmd
}
