// Package main is the entry point of the tiergate server and CLI.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "tiergate",
		Short: "Cost-aware tiered routing and admission control for inference backends",
		Long: `tiergate scores each request, routes it to the cost-efficient primary
backend or the premium fallback of its category, keeps spend under a daily
budget, and admits backend calls through a rate limiter, a priority queue
and a concurrency cap.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&configFile, "config", "config/config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration is expanded")

	root.AddCommand(serveCmd())
	root.AddCommand(routeCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())
	return root
}

// loadEnv loads path into the environment when it exists. Variables already
// set are not overridden.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
