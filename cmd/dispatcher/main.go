package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/config"
)

var (
	envFile  string // Optional .env file loaded before the environment
	logLevel string // Overrides LOG_LEVEL when set
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "dispatcher",
	Short:         "Adaptive dispatch control plane for local and remote image captioning",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment from this file instead of ./.env")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pricingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("dispatcher exited")
		os.Exit(1)
	}
}

// loadConfig reads configuration and sets up the standard logger from it.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.StandardLogger()
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(parsed)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return cfg, logger, nil
}
