// Package cli implements the tingly-relay command tree. serve runs the
// relay; the remaining commands mint credentials and prepare the database
// from the same config file, so a fresh host can be provisioned without a
// running server.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// BuildInfo carries the version stamps the main package sets via -ldflags.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

// Global flags shared by every subcommand.
var (
	configPath string
	verbose    bool
)

// Execute assembles the command tree and runs it.
func Execute(info BuildInfo) error {
	rootCmd := &cobra.Command{
		Use:   "tingly-relay",
		Short: "LLM API gateway that relays OpenAI and Anthropic traffic across providers",
		Long: `Tingly Relay is an LLM API gateway. It exposes OpenAI- and
Anthropic-compatible endpoints, translates between the protocols, and routes
each request across the configured providers with failover.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.TraceLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ~/.tingly-relay/relay.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		versionCommand(info),
		serveCommand(info),
		tokenCommand(),
		keyCommand(),
		migrateCommand(),
	)

	return rootCmd.Execute()
}

func versionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tingly Relay\n")
			fmt.Printf("Version:    %s\n", info.Version)
			fmt.Printf("Git Commit: %s\n", info.GitCommit)
			fmt.Printf("Build Time: %s\n", info.BuildTime)
		},
	}
}
