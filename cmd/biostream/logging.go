package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/pkg/config"
)

// flagKeys maps command flags to config keys. A flag only overrides the
// config when the user set it explicitly.
var flagKeys = map[string]string{
	"log-level":   "log_level",
	"boards-file": "boards_file",
	"board":       "board_id",
	"serial-port": "serial_port",
	"mac-address": "mac_address",
	"rate":        "sampling_rate",
	"buffer":      "buffer_size",
	"interval":    "poll_interval",
	"streamer":    "streamer",
	"format":      "output_format",
}

// loadConfig merges biostream.yaml, BIOSTREAM_* env vars and the command's
// flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	v := config.NewViper(file)

	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return config.Load(v)
}

// configureLogger creates a logger with the appropriate log level based on flags.
// It respects both --log-level and --verbose flags, with --log-level taking precedence
// over --verbose, and both over the configured level.
func configureLogger(cmd *cobra.Command, cfg *config.Config, verboseFlagName string) (*logrus.Logger, error) {
	logLevel := cfg.Level()

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if verboseFlagName != "" {
		if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
			logLevel = logrus.DebugLevel
		}
	}

	logger := cfg.NewLogger()
	logger.SetLevel(logLevel)
	logger.SetOutput(cmd.ErrOrStderr())

	return logger, nil
}

// boardTable returns the built-in boards merged with cfg.BoardsFile.
func boardTable(cfg *config.Config) (*boards.Table, error) {
	table := boards.Default()
	if cfg.BoardsFile == "" {
		return table, nil
	}
	extra, err := boards.LoadFile(cfg.BoardsFile)
	if err != nil {
		return nil, err
	}
	return table.Merge(extra), nil
}

// setup is the common prologue of every command.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, *boards.Table, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return nil, nil, nil, err
	}
	table, err := boardTable(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, table, nil
}
