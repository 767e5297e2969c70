package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/biostream/pkg/board"
	"github.com/srg/biostream/pkg/config"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream samples from a board",
	Long: `Prepare a board session, start acquisition and print samples as they arrive.

Samples are pulled from the ring buffer every --interval and printed as a
table, CSV or JSON lines. Streaming runs until Ctrl+C or --duration elapses,
then the session is stopped, the remaining samples are drained and session
statistics are written to stderr.

Use --streamer file://<path>:w|a to also mirror every sample to a
tab-separated file.`,
	Example: `  # Synthetic board, no hardware needed
  biostream stream --board -1 --duration 2s

  # Serial board on a pty emulator
  biostream stream --board 0 --serial-port /dev/pts/5 --format csv

  # BLE board, mirrored to a file
  biostream stream --board 31 --mac-address AA:BB:CC:DD:EE:FF --streamer file://run.tsv:w`,
	Args: cobra.NoArgs,
	RunE: runStream,
}

func init() {
	streamCmd.Flags().Int("board", -1, "Board id (see 'biostream boards')")
	streamCmd.Flags().String("serial-port", "", "Serial port of a serial board")
	streamCmd.Flags().String("mac-address", "", "Address of a BLE board")
	streamCmd.Flags().Int("rate", 0, "Sampling rate in Hz (0 = board default)")
	streamCmd.Flags().Int("buffer", 0, "Ring buffer capacity in samples")
	streamCmd.Flags().Duration("interval", 0, "Poll interval")
	streamCmd.Flags().Duration("duration", 0, "Stop after this long (0 = until Ctrl+C)")
	streamCmd.Flags().String("format", "", "Output format (table, csv, json)")
	streamCmd.Flags().String("streamer", "", "Mirror samples to file://<path>:w|a")
	streamCmd.Flags().Bool("stats", true, "Print session statistics to stderr when done")
}

// sessionOptions maps the config onto session options.
func sessionOptions(cfg *config.Config, logger *logrus.Logger) board.Options {
	retries := cfg.ReadRetries
	if retries == 0 {
		// the session treats 0 as "use the default"
		retries = -1
	}
	return board.Options{
		Logger:         logger,
		JoinTimeout:    cfg.JoinTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxReadRetries: retries,
	}
}

func inputParams(cfg *config.Config) board.InputParams {
	return board.InputParams{
		SerialPort:   cfg.SerialPort,
		MACAddress:   cfg.MACAddress,
		SamplingRate: cfg.SamplingRate,
	}
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, logger, table, err := setup(cmd)
	if err != nil {
		return err
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	if duration < 0 {
		return fmt.Errorf("invalid --duration: %s", duration)
	}
	printStats, _ := cmd.Flags().GetBool("stats")

	opts := sessionOptions(cfg, logger)
	opts.Boards = table
	session := board.NewSession(opts)

	if err := session.PrepareSession(cfg.BoardID, inputParams(cfg)); err != nil {
		return err
	}
	defer session.ReleaseSession()

	out, err := newRowWriter(cfg.OutputFormat, cmd.OutOrStdout(), session.Descriptor())
	if err != nil {
		return err
	}

	// Past argument validation - failures from here on are runtime errors
	cmd.SilenceUsage = true

	if err := session.StartStream(cfg.BufferSize, cfg.Streamer); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"board":   session.Descriptor().Name,
		"rate":    session.SamplingRate(),
		"session": session.ID(),
	}).Info("Streaming started")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	pollErr := pollSession(ctx, session, out, cfg.PollInterval, cfg.BufferSize)

	stopErr := session.StopStream()
	if pollErr == nil {
		// drain what arrived between the last poll and the stop
		pollErr = drain(session, out, cfg.BufferSize)
	}
	flushErr := out.Flush()
	if pollErr == nil {
		pollErr = flushErr
	}

	if printStats {
		writeStats(cmd.ErrOrStderr(), session.Stats())
	}
	return errors.Join(pollErr, stopErr)
}

// pollSession prints new samples every interval until ctx ends or the
// acquisition faults.
func pollSession(ctx context.Context, s *board.Session, out rowWriter, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := drain(s, out, limit); err != nil {
				return err
			}
			if fault := s.Fault(); fault != nil {
				return fmt.Errorf("%w: %w", ErrStreamFault, fault)
			}
		}
	}
}

func drain(s *board.Session, out rowWriter, limit int) error {
	batch, err := s.GetBoardData(limit)
	if err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return out.Write(batch)
}

func writeStats(w io.Writer, st board.Stats) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}
