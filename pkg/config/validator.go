package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/srg/biostream/internal/ringbuf"
	"github.com/srg/biostream/internal/streamer"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // config key, e.g. "buffer_size"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidOutputFormats returns the list of valid stream output formats
func ValidOutputFormats() []string {
	return []string{"table", "csv", "json"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.LogLevel)) {
		add("log_level", c.LogLevel, "must be one of %v", ValidLogLevels())
	}
	if !slices.Contains(ValidOutputFormats(), c.OutputFormat) {
		add("output_format", c.OutputFormat, "must be one of %v", ValidOutputFormats())
	}
	if c.BufferSize <= 0 || c.BufferSize > ringbuf.MaxCapacity {
		add("buffer_size", c.BufferSize, "must be between 1 and %d", ringbuf.MaxCapacity)
	}
	if c.SamplingRate < 0 {
		add("sampling_rate", c.SamplingRate, "must not be negative")
	}
	if c.PollInterval <= 0 {
		add("poll_interval", c.PollInterval, "must be positive")
	}
	if c.JoinTimeout <= 0 {
		add("join_timeout", c.JoinTimeout, "must be positive")
	}
	if c.ReadTimeout <= 0 {
		add("read_timeout", c.ReadTimeout, "must be positive")
	}
	if c.ReadRetries < 0 {
		add("read_retries", c.ReadRetries, "must not be negative")
	}
	if _, err := streamer.Parse(c.Streamer); err != nil {
		add("streamer", c.Streamer, "%v", err)
	}
	return errs
}
