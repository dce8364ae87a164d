// Package cmd provides the CLI commands for fangate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fangate/fangate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fangate",
	Short: "fangate - outbound message rate limiter",
	Long: `fangate is an admission service for outbound direct messages.

Every send attempt is checked against per-user, per-recipient, and
platform-wide throughput ceilings plus compliance rules (minimum delay
between messages to the same recipient, burst cooldown, suspicious-activity
lockout) and answered with a structured allow/deny decision.

Quick start:
  1. Generate a config file: fangate init
  2. Start the service:      fangate serve

Configuration:
  Config is loaded from fangate.yaml in the current directory,
  $HOME/.fangate/, or /etc/fangate/.

  Environment variables override config values with the FANGATE_ prefix.
  Example: FANGATE_REDIS_ADDR=redis.internal:6379

Commands:
  serve       Start the limiter service
  init        Write a default fangate.yaml
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./fangate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
