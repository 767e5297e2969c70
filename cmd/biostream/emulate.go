package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/internal/emulator"
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Emulate a serial board on a pseudo-terminal",
	Long: `Open a pseudo-terminal and behave like the given serial board on it.

The slave path is printed on the first line of stdout; pass it as
--serial-port to 'biostream stream' (or any other client). The emulator
honors the board's start and stop commands and writes frames at the
board's sampling rate. --corrupt-every N damages every Nth frame to
exercise decoder resynchronization.`,
	Example: `  # Terminal 1
  biostream emulate --board 0

  # Terminal 2
  biostream stream --board 0 --serial-port /dev/pts/5`,
	Args: cobra.NoArgs,
	RunE: runEmulate,
}

func init() {
	emulateCmd.Flags().Int("board", 0, "Board id to emulate (must be a serial board)")
	emulateCmd.Flags().Int("rate", 0, "Sampling rate in Hz (0 = board default)")
	emulateCmd.Flags().Float64("amplitude", 0, "Signal amplitude of the generated channels")
	emulateCmd.Flags().Int("corrupt-every", 0, "Corrupt every Nth frame (0 = never)")
	emulateCmd.Flags().Duration("duration", 0, "Stop after this long (0 = until Ctrl+C)")
	emulateCmd.Flags().Bool("quiet", false, "Do not show the status line")
}

func runEmulate(cmd *cobra.Command, _ []string) error {
	_, logger, table, err := setup(cmd)
	if err != nil {
		return err
	}

	boardID, _ := cmd.Flags().GetInt("board")
	rate, _ := cmd.Flags().GetInt("rate")
	amplitude, _ := cmd.Flags().GetFloat64("amplitude")
	corruptEvery, _ := cmd.Flags().GetInt("corrupt-every")
	duration, _ := cmd.Flags().GetDuration("duration")
	quiet, _ := cmd.Flags().GetBool("quiet")

	desc, err := table.Lookup(boardID)
	if err != nil {
		return err
	}
	if desc.Transport != boards.TransportSerial {
		return fmt.Errorf("board %d (%s) uses %s transport, only serial boards can be emulated", desc.ID, desc.Name, desc.Transport)
	}
	if duration < 0 {
		return fmt.Errorf("invalid --duration: %s", duration)
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	emu, err := emulator.Start(ctx, emulator.Config{
		Board:        desc,
		SamplingRate: rate,
		Amplitude:    amplitude,
		CorruptEvery: corruptEvery,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer emu.Close()

	fmt.Fprintln(cmd.OutOrStdout(), emu.TTYName())
	logger.WithFields(logrus.Fields{
		"board": desc.Name,
		"tty":   emu.TTYName(),
	}).Info("Emulator started")

	if !quiet && isTerminal(cmd.ErrOrStderr()) {
		status := NewStatusPrinter(cmd.ErrOrStderr(), func(elapsed time.Duration) string {
			st := emu.Stats()
			state := "idle"
			if st.Streaming {
				state = "streaming"
			}
			return fmt.Sprintf("%s on %s: %s, %d frames, %d corrupted, %d bytes dropped (%s)",
				desc.Name, emu.TTYName(), state, st.Frames, st.Corrupted, st.DroppedBytes, elapsed.Truncate(time.Second))
		})
		status.Start()
		defer status.Stop()
	}

	<-emu.Done()
	return nil
}
