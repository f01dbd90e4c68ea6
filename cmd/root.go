package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logFormat string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "heatlogd",
	Short: "Telemetry logger for Linked-Go cloud connected heat pumps",
	Long: `heatlogd polls a heat pump through the Linked-Go vendor cloud on a fixed
interval, normalizes each reading into a sample with derived COP, thermal output
and auxiliary heat flags, stores it in SQLite or PostgreSQL, backfills gaps from
the vendor history, and exposes a REST API for live status, history and energy.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json, default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error; overrides config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
