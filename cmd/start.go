package cmd

import (
	"fmt"
	"os"

	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStartCmd(verbose bool, version string, buildTime string) *cobra.Command {
	return &cobra.Command{
		Use:          "start",
		Short:        "pixelforge start <config.toml>",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(verbose, args[0], version, buildTime)
		},
	}
}

func run(verbose bool, configFile string, version string, buildTime string) error {
	// Bootstrap logger for the config-loading phase; the real one is built
	// from the loaded config.
	tempLogger, _ := zap.NewProduction()
	defer tempLogger.Sync()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		tempLogger.Error("Config file does not exist", zap.String("path", configFile))
		return fmt.Errorf("config file does not exist: %s", configFile)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		tempLogger.Error("Failed to load config", zap.Error(err))
		return err
	}

	if err := config.ValidateConfig(cfg); err != nil {
		tempLogger.Error("Config validation failed", zap.Error(err))
		return err
	}

	return service.Start(cfg, version, buildTime)
}
