package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long:  "Loads and validates the configuration without starting the server. Warnings do not fail validation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range cfg.Warnings() {
				fmt.Fprintf(out, "warning [%s]: %s\n", w.Code, w.Message)
			}
			fmt.Fprintf(out, "Configuration is valid: %d categories, %d backends.\n", len(cfg.Categories), len(cfg.Backends))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiergate %s\n", tiergate.Version)
		},
	}
}
