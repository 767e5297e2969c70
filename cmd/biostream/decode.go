package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/internal/decoder"
	"github.com/srg/biostream/internal/ringbuf"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <capture-file>",
	Short: "Decode a raw capture offline",
	Long: `Run a raw byte capture through a board's frame decoder and print the samples.

The capture is read as binary by default; with --hex it is parsed as hex text
(whitespace, ':' and '-' separators and 0x prefixes are ignored). Use '-' to
read from stdin. Timestamps are synthesized from the sample index and the
board's sampling rate. Decoder statistics (valid frames, rejected frames,
discarded bytes) are written to stderr.`,
	Example: `  biostream decode --board 0 capture.bin
  echo "A0 00 ... C0" | biostream decode --board 0 --hex -`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().Int("board", -1, "Board id whose frame layout to decode with")
	decodeCmd.Flags().Bool("hex", false, "Capture is hex text instead of binary")
	decodeCmd.Flags().String("format", "", "Output format (table, csv, json)")
}

// parseHex converts hex text to bytes, ignoring separators and 0x prefixes.
func parseHex(s string) ([]byte, error) {
	cleaned := strings.Join(strings.Fields(s), "")
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "0x", "")
	cleaned = strings.ReplaceAll(cleaned, "0X", "")
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex capture: %w", err)
	}
	return data, nil
}

func readCapture(cmd *cobra.Command, path string, isHex bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	if isHex {
		return parseHex(string(data))
	}
	return data, nil
}

// decodeCapture feeds data through dec and collects the samples as records
// laid out like the session buffer: package, channels, marker.
func decodeCapture(d boards.Descriptor, dec decoder.FrameDecoder, data []byte) ringbuf.Batch {
	batch := ringbuf.Batch{Width: d.NumRows()}
	period := 1.0 / float64(d.SamplingRate)
	exg := d.ExgRows()

	for _, b := range data {
		s, ok := dec.Consume(b)
		if !ok {
			continue
		}
		row := make([]float64, batch.Width)
		row[d.PackageRow()] = s.Package
		for i, v := range s.Values {
			if i < len(exg) {
				row[exg[i]] = v
			}
		}
		batch.Timestamps = append(batch.Timestamps, float64(batch.Len())*period)
		batch.Values = append(batch.Values, row...)
	}
	return batch
}

func runDecode(cmd *cobra.Command, args []string) error {
	cfg, logger, table, err := setup(cmd)
	if err != nil {
		return err
	}
	isHex, _ := cmd.Flags().GetBool("hex")

	desc, err := table.Lookup(cfg.BoardID)
	if err != nil {
		return err
	}
	out, err := newRowWriter(cfg.OutputFormat, cmd.OutOrStdout(), desc)
	if err != nil {
		return err
	}
	data, err := readCapture(cmd, args[0], isHex)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	dec, err := desc.NewDecoder(logger)
	if err != nil {
		return err
	}
	if c, ok := dec.(interface{ Close() }); ok {
		defer c.Close()
	}

	batch := decodeCapture(desc, dec, data)
	if batch.Len() > 0 {
		if err := out.Write(batch); err != nil {
			return err
		}
	}
	if err := out.Flush(); err != nil {
		return err
	}

	if r, ok := dec.(decoder.StatsReporter); ok {
		st := r.Stats()
		fmt.Fprintf(cmd.ErrOrStderr(), "frames=%d rejected=%d discarded_bytes=%d\n", st.Frames, st.Rejected, st.Discarded)
	}
	return nil
}
