package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/courier-mta/courier/internal/config"
)

var (
	// Global configuration
	configPath string
	cfg        *config.Config

	// Root command
	rootCmd = &cobra.Command{
		Use:   "courier",
		Short: "Courier outbound delivery engine",
		Long: `A command line tool for running and managing the Courier outbound
email delivery engine: MTA detection, sender health, adaptive rate
limiting and queued delivery.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return
			}

			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}

			if cmd.Name() == "server" {
				if err := cfg.EnsureQueueDirectory(); err != nil {
					fmt.Fprintf(os.Stderr, "Error creating queue directories: %v\n", err)
					os.Exit(1)
				}
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}
