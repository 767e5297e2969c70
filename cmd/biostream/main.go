package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "biostream",
	Short: "Biosignal acquisition CLI",
	Long: `Biosignal acquisition command-line tool that provides:

- A board table of supported EEG/EMG/ECG amplifiers and their frame layouts
- Streaming from serial, BLE and synthetic boards into a ring buffer
- Table, CSV and JSON output, with optional mirroring to a file
- A pty-based board emulator for hardware-free testing
- Offline decoding of raw captures

Settings come from flags, BIOSTREAM_* environment variables and biostream.yaml.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(boardsCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(emulateCmd)
	rootCmd.AddCommand(decodeCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Shorthand for --log-level debug")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./biostream.yaml or ~/.config/biostream/biostream.yaml)")
	rootCmd.PersistentFlags().String("boards-file", "", "Extra board table (YAML) merged over the built-in one")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
