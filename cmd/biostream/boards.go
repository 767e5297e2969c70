package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/biostream/internal/boards"
)

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "List supported boards",
	Long: `List the board table: id, name, transport, sampling rates and frame layout.

Boards from --boards-file (or boards_file in the config) replace built-in
entries with the same id.`,
	Example: `  biostream boards
  biostream boards --format json
  biostream boards --boards-file ./my-boards.yaml`,
	Args: cobra.NoArgs,
	RunE: runBoards,
}

func init() {
	boardsCmd.Flags().String("format", "", "Output format (table, json)")
}

func runBoards(cmd *cobra.Command, _ []string) error {
	cfg, _, table, err := setup(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	switch cfg.OutputFormat {
	case "json":
		return displayBoardsJSON(out, table.All())
	case "table":
		return displayBoardsTable(out, table.All(), isTerminal(out))
	default:
		return fmt.Errorf("unsupported output format for boards: %s (must be table or json)", cfg.OutputFormat)
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func transportColor(kind boards.TransportKind) *color.Color {
	switch kind {
	case boards.TransportSerial:
		return color.New(color.FgCyan)
	case boards.TransportBLE:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgYellow)
	}
}

func rates(d boards.Descriptor) string {
	rs := []string{strconv.Itoa(d.SamplingRate)}
	for _, r := range d.AllowedRates {
		if r != d.SamplingRate {
			rs = append(rs, strconv.Itoa(r))
		}
	}
	return strings.Join(rs, ",")
}

func displayBoardsTable(out io.Writer, ds []boards.Descriptor, colored bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tRATE (Hz)\tCHANNELS\tFRAME\tDECODER")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, d := range ds {
		transport := string(d.Transport)
		if colored {
			// Color codes are zero-width on screen but not to tabwriter; pad first
			transport = transportColor(d.Transport).Sprintf("%-9s", transport)
		}
		dec := "framed"
		if d.IsScripted() {
			dec = "lua"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d B\t%s\n",
			d.ID, d.Name, transport, rates(d), d.Channels(), d.Layout.Length, dec)
	}
	return w.Flush()
}

func displayBoardsJSON(out io.Writer, ds []boards.Descriptor) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(ds)
}
