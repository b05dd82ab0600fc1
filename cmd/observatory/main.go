// Command observatory is a headless client for the Gateway control plane:
// it keeps one synchronized view of sessions, agents and usage metrics
// over the Gateway WebSocket, and exposes the read API for one-shot
// queries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adam91holt/observatory/internal/config"
	"github.com/adam91holt/observatory/internal/logging"
)

var (
	version = "dev"

	cfgPath string
	cfg     *config.Config
	flush   func()
)

var rootCmd = &cobra.Command{
	Use:           "observatory",
	Short:         "Live view of Gateway sessions, agents and usage",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		_, flush, err = logging.Init(logging.Config{
			Level:     cfg.Logging.Level,
			File:      cfg.Logging.File,
			SentryDSN: cfg.Logging.SentryDSN,
			Version:   version,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if flush != nil {
			flush()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config file")

	rootCmd.AddCommand(watchCmd, sessionsCmd, agentsCmd, sendCmd, historyCmd, abortCmd, logsCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.config/observatory/config.yaml"
	}
	return "config.yaml"
}
