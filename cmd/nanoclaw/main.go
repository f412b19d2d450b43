package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

var version = "dev"

var configPath string

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".nanoclaw", "config.json")
}

// loadConfig reads the config file. A missing file yields defaults;
// a malformed one is fatal.
func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.ErrorCF("boot", "Failed to load config", map[string]interface{}{
			"path":  configPath,
			"error": err.Error(),
		})
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.FileEnabled {
		err := logger.EnableFileLoggingWithRotation(
			cfg.Logging.FilePath,
			cfg.Logging.RotationEnabled,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxAgeDays,
		)
		if err != nil {
			logger.WarnCF("boot", "File logging unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "nanoclaw",
		Short:   "Ultra-lightweight personal AI agent",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")

	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newGatewayCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
