package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattiam/rollout/internal/config"
)

var (
	version = "dev"
	commit  = "none"    //nolint:gochecknoglobals // Build-time commit info
	date    = "unknown" //nolint:gochecknoglobals // Build-time date info

	// Global flags
	debugMode  bool   //nolint:gochecknoglobals // CLI global flag
	configPath string //nolint:gochecknoglobals // CLI global flag
)

// loadStandardConfig creates a new config, overlays the config file and
// environment, and expands paths. This is the standard pattern used by most
// commands.
func loadStandardConfig() (*config.ServerConfig, error) {
	cfg := config.NewServerConfig()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if debugMode {
		cfg.Debug = true
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}
	return cfg, nil
}

func main() {
	config.AppVersion = version

	rootCmd := &cobra.Command{
		Use:   "rollout",
		Short: "Risk-aware deployment orchestration with automatic rollback",
		Long: `Rollout assesses the risk of a deployment plan, picks a rollout strategy,
runs it phase by phase while watching live metrics, and rolls back on its own
when the deployment goes wrong.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debugMode {
				_ = os.Setenv("ROLLOUT_DEBUG", "1") // os.Setenv always returns nil
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file (YAML, JSON or TOML); environment variables override it")

	rootCmd.AddCommand(
		newRunCommand(),
		newAssessCommand(),
		newServerCommand(),
		newWorkerCommand(),
		newExecutionsCommand(),
		newHistoryCommand(),
		newConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
