// Command docflow runs the document-processing orchestrator and talks to a
// running instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/DocFlow/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "docflow",
		Short:         "Asynchronous document-processing orchestrator",
		Long:          "DocFlow submits documents to an extraction service, routes low-confidence results to human review and finalizes each document exactly once.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", config.DefaultConfigFile, "YAML configuration file")
	rootCmd.PersistentFlags().String("api", envOr("DOCFLOW_API_URL", "http://localhost:8080"), "base URL of a running docflow server")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newSubmitCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
