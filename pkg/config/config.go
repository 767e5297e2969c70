package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. BIOSTREAM_BOARD_ID.
	EnvPrefix = "BIOSTREAM"
	// FileName is the config file looked up in the working directory and
	// $HOME/.config/biostream when no explicit path is given.
	FileName = "biostream"
)

// Config holds application configuration
type Config struct {
	LogLevel     string        `mapstructure:"log_level" json:"log_level" default:"info"`
	BoardID      int           `mapstructure:"board_id" json:"board_id" default:"-1"`
	SerialPort   string        `mapstructure:"serial_port" json:"serial_port"`
	MACAddress   string        `mapstructure:"mac_address" json:"mac_address"`
	SamplingRate int           `mapstructure:"sampling_rate" json:"sampling_rate"`
	BufferSize   int           `mapstructure:"buffer_size" json:"buffer_size" default:"45000"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval" default:"100ms"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout" json:"join_timeout" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout" default:"100ms"`
	ReadRetries  int           `mapstructure:"read_retries" json:"read_retries" default:"3"`
	BoardsFile   string        `mapstructure:"boards_file" json:"boards_file"`
	Streamer     string        `mapstructure:"streamer" json:"streamer"`
	OutputFormat string        `mapstructure:"output_format" json:"output_format" default:"table"`
}

// keys lists every config key with its accessor, in file order.
var keys = []struct {
	name string
	get  func(*Config) any
}{
	{"log_level", func(c *Config) any { return c.LogLevel }},
	{"board_id", func(c *Config) any { return c.BoardID }},
	{"serial_port", func(c *Config) any { return c.SerialPort }},
	{"mac_address", func(c *Config) any { return c.MACAddress }},
	{"sampling_rate", func(c *Config) any { return c.SamplingRate }},
	{"buffer_size", func(c *Config) any { return c.BufferSize }},
	{"poll_interval", func(c *Config) any { return c.PollInterval }},
	{"join_timeout", func(c *Config) any { return c.JoinTimeout }},
	{"read_timeout", func(c *Config) any { return c.ReadTimeout }},
	{"read_retries", func(c *Config) any { return c.ReadRetries }},
	{"boards_file", func(c *Config) any { return c.BoardsFile }},
	{"streamer", func(c *Config) any { return c.Streamer }},
	{"output_format", func(c *Config) any { return c.OutputFormat }},
}

// Keys returns the names of all configuration keys.
func Keys() []string {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.name
	}
	return names
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// SetDefaults registers the default of every key on v, so that env
// overrides and Unmarshal see all keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	for _, k := range keys {
		v.SetDefault(k.name, k.get(d))
	}
}

// NewViper returns a viper instance wired for biostream: defaults, env
// overrides with EnvPrefix, and the config file (explicit path, or
// biostream.yaml in the working directory or $HOME/.config/biostream).
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/biostream")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (a missing default file is not an error),
// applies env overrides and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Level returns the parsed log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
