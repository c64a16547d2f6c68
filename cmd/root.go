package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/version"
)

var (
	logLevel   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:     version.Name,
	Short:   "OpenAI-compatible chat completions over the ChatGPT web backend",
	Long:    "chatbridge serves the OpenAI chat completions API and fulfils it through the ChatGPT web backend, rotating across a pool of account secrets.",
	Version: version.String(),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "Log level (trace, debug, info, warn, error, fatal); overrides log_level from the config")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(logLevel)
	}
}

// loadConfig reads the config (creating a default one when missing) and
// applies the config log level unless --loglevel was given.
func loadConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	cfg, err := config.LoadOrCreateServerConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	if !cmd.Flags().Changed("loglevel") {
		if err := logutil.Configure(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
