package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/params"
	"github.com/uhyunpark/estatex/pkg/util"
)

var (
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "estatex",
	Short: "Matching and settlement node for fractional property tokens",
	Long: `estatex admits signed property-token orders, matches them in periodic
sweeps and settles each match exactly once.

Examples:
  estatex serve
  estatex serve --env deploy/devnet.env
  estatex sweep --log-level debug`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "env file to load (default is .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")
}

// loadConfig reads .env and the environment and rejects invalid settings.
func loadConfig() (params.Config, error) {
	cfg, err := params.LoadFromEnv(envFile)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Node.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg params.Node) (*zap.Logger, error) {
	level, err := util.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.LogFile != "" {
		return util.NewLoggerWithFile(cfg.LogFile, level)
	}
	return util.NewLogger(level)
}
