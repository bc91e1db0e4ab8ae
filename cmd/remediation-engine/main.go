// Package main is the remediation-engine binary: the serving process plus a few operator
// commands that work directly against the configured store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediate/internal/config"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remediation-engine",
	Short: "Kubernetes auto-remediation engine",
	Long: `remediation-engine accepts cluster telemetry from agents, detects issues, gates them
through per-cluster policy and drives remediation commands back to the agents.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (default $MIRADOR_REMEDIATE_CONFIG)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads configuration and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
