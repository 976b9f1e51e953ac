// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"

	"github.com/mobiletoly/go-possync/internal/config"
	"github.com/mobiletoly/go-possync/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// app carries what the root command prepared for its subcommands.
type app struct {
	cfgFile   string
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:     "posd",
		Short:   "Offline-first point-of-sale sync engine",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := config.Load(a.cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Options{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			})
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			a.cfg, a.logger, a.logCloser = cfg, logger, closer
			if cfg.FileUsed != "" {
				logger.Debug("using config file", "path", cfg.FileUsed)
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: ./posd.yaml)")
	flags.String("store-path", "", "Path to the SQLite database")
	flags.String("state-path", "", "Path to the state database")
	flags.String("backend-url", "", "Sync backend base URL")
	flags.String("backend-token", "", "Bearer token for the sync backend")
	flags.String("tenant-company-ref", "", "Company the till belongs to")
	flags.String("tenant-location-ref", "", "Location the till belongs to")
	flags.String("schema-version", "", "Required local schema version")
	flags.String("log-level", "", "Log level (debug|info|warn|error)")
	flags.String("log-format", "", "Log format (text|json)")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")

	_ = rootCmd.RegisterFlagCompletionFunc("log-format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(
		newRunCommand(a),
		newPushCommand(a),
		newPullCommand(a),
		newMaintenanceCommand(a),
		newMigrateCommand(a),
		newResyncCommand(a),
		newStatusCommand(a),
	)
	return rootCmd
}
