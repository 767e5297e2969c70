package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/internal/ringbuf"
)

// rowWriter renders sample batches in one of the supported output formats.
type rowWriter interface {
	Write(batch ringbuf.Batch) error
	Flush() error
}

// columns names the record rows of d, followed by the timestamp.
func columns(d boards.Descriptor) []string {
	cols := make([]string, 0, d.NumRows()+1)
	cols = append(cols, "package")
	for i := range d.Channels() {
		cols = append(cols, fmt.Sprintf("ch%d", i+1))
	}
	cols = append(cols, "marker", "timestamp")
	return cols
}

func newRowWriter(format string, w io.Writer, d boards.Descriptor) (rowWriter, error) {
	switch format {
	case "table":
		return newTableRows(w, d), nil
	case "csv":
		return newCSVRows(w, d), nil
	case "json":
		return &jsonRows{enc: json.NewEncoder(w), cols: columns(d)}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (must be table, csv, or json)", format)
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

type tableRows struct {
	w      *tabwriter.Writer
	cols   []string
	header bool
}

func newTableRows(w io.Writer, d boards.Descriptor) *tableRows {
	return &tableRows{w: tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight), cols: columns(d)}
}

func (t *tableRows) Write(batch ringbuf.Batch) error {
	if !t.header {
		t.header = true
		for _, c := range t.cols {
			fmt.Fprintf(t.w, "%s\t", c)
		}
		fmt.Fprintln(t.w)
	}
	for i := range batch.Len() {
		for _, v := range batch.Row(i) {
			fmt.Fprintf(t.w, "%s\t", formatValue(v))
		}
		fmt.Fprintf(t.w, "%s\t\n", formatValue(batch.Timestamps[i]))
	}
	// Flush per batch so columns line up within a poll and rows appear promptly
	return t.w.Flush()
}

func (t *tableRows) Flush() error {
	return t.w.Flush()
}

type csvRows struct {
	w      *csv.Writer
	cols   []string
	header bool
}

func newCSVRows(w io.Writer, d boards.Descriptor) *csvRows {
	return &csvRows{w: csv.NewWriter(w), cols: columns(d)}
}

func (c *csvRows) Write(batch ringbuf.Batch) error {
	if !c.header {
		c.header = true
		if err := c.w.Write(c.cols); err != nil {
			return err
		}
	}
	record := make([]string, batch.Width+1)
	for i := range batch.Len() {
		for j, v := range batch.Row(i) {
			record[j] = formatValue(v)
		}
		record[batch.Width] = formatValue(batch.Timestamps[i])
		if err := c.w.Write(record); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvRows) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// jsonRows writes one JSON object per sample (JSON Lines).
type jsonRows struct {
	enc  *json.Encoder
	cols []string
}

type jsonSample struct {
	Timestamp float64            `json:"timestamp"`
	Rows      map[string]float64 `json:"rows"`
}

func (j *jsonRows) Write(batch ringbuf.Batch) error {
	for i := range batch.Len() {
		s := jsonSample{Timestamp: batch.Timestamps[i], Rows: make(map[string]float64, batch.Width)}
		for k, v := range batch.Row(i) {
			s.Rows[j.cols[k]] = v
		}
		if err := j.enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func (j *jsonRows) Flush() error {
	return nil
}
