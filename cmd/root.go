// Package cmd provides the command-line interface for buildwatch.
//
// Configuration System:
//
//	Values are resolved with this precedence:
//	1. Command-line flags (--config, --output-dir, etc.)
//	2. Environment variables (BUILDWATCH_BUILD_COMMAND, etc.)
//	3. The configuration file (.buildwatch.yml, or --config, or
//	   BUILDWATCH_CONFIG_FILE)
//	4. Built-in defaults
//
// A .env file in the working directory is loaded before any of these.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/buildwatch/internal/config"
	"github.com/conneroisu/buildwatch/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "buildwatch",
	Short: "Build, watch and prerender web applications",
	Long: `buildwatch runs your application's build command, snapshots its output,
and keeps it up to date while you edit.

Key Features:
  • Content-addressed output with full and incremental results
  • Debounced file watching with native or polling backends
  • Parallel route prerendering
  • Live reload over websockets with Prometheus metrics

Quick Start:
  buildwatch build                Build once and write the output
  buildwatch watch                Rebuild on change and live reload
  buildwatch prerender            Build and prerender routes`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .buildwatch.yml, can also use BUILDWATCH_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if err := config.Init(viper.GetViper(), cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", used)
	}
}

// loadConfig decodes the configuration and builds the logger it names.
func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = cfg.Format
	return logging.NewLogger(lc), nil
}
