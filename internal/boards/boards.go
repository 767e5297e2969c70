// Package boards holds the per-device constants: transport, sampling rate,
// frame layout and the row map of produced records.
package boards

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/srg/biostream/internal/decoder"
)

//go:embed boards.yaml
var defaultTable []byte

// SyntheticBoard is the id of the hardware-free board.
const SyntheticBoard = -1

// ErrUnknownBoard is returned when a board id is not in the table.
var ErrUnknownBoard = errors.New("unknown board")

// TransportKind names the transport a board is reached through.
type TransportKind string

const (
	TransportSerial    TransportKind = "serial"
	TransportBLE       TransportKind = "ble"
	TransportSynthetic TransportKind = "synthetic"
)

// BLEConfig carries the GATT identifiers of a BLE board.
type BLEConfig struct {
	Service string `yaml:"service" json:"service"`
	Notify  string `yaml:"notify" json:"notify"`
	Write   string `yaml:"write" json:"write"`
}

// Descriptor describes one board model.
type Descriptor struct {
	ID           int            `yaml:"id" json:"id"`
	Name         string         `yaml:"name" json:"name"`
	Transport    TransportKind  `yaml:"transport" json:"transport"`
	SamplingRate int            `yaml:"sampling_rate" json:"sampling_rate"`
	AllowedRates []int          `yaml:"allowed_rates" json:"allowed_rates,omitempty"`
	BaudRate     int            `yaml:"baud_rate" json:"baud_rate,omitempty"`
	BLE          BLEConfig      `yaml:"ble" json:"ble,omitempty"`
	StartCommand string         `yaml:"start_command" json:"start_command,omitempty"`
	StopCommand  string         `yaml:"stop_command" json:"stop_command,omitempty"`
	Layout       decoder.Layout `yaml:"layout" json:"layout"`
	Script       string         `yaml:"script" json:"-"`
	ScriptFile   string         `yaml:"script_file" json:"script_file,omitempty"`
}

// Channels returns the number of signal channels.
func (d Descriptor) Channels() int {
	return d.Layout.ChannelCount
}

// PackageRow is the record row carrying the package counter.
func (d Descriptor) PackageRow() int {
	return 0
}

// ExgRows are the record rows carrying the signal channels.
func (d Descriptor) ExgRows() []int {
	rows := make([]int, d.Channels())
	for i := range rows {
		rows[i] = i + 1
	}
	return rows
}

// MarkerRow is the record row carrying user markers.
func (d Descriptor) MarkerRow() int {
	return d.Channels() + 1
}

// NumRows is the width of a record.
func (d Descriptor) NumRows() int {
	return d.Channels() + 2
}

// SupportsRate reports whether the board can stream at rate Hz.
func (d Descriptor) SupportsRate(rate int) bool {
	return rate == d.SamplingRate || slices.Contains(d.AllowedRates, rate)
}

// IsScripted reports whether frames are decoded by a Lua script.
func (d Descriptor) IsScripted() bool {
	return d.Script != "" || d.ScriptFile != ""
}

// NewDecoder builds the frame decoder for this board.
func (d Descriptor) NewDecoder(logger *logrus.Logger) (decoder.FrameDecoder, error) {
	if !d.IsScripted() {
		return decoder.NewFramed(d.Layout)
	}

	script, name := d.Script, d.Name+".lua"
	if script == "" {
		data, err := os.ReadFile(d.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read decode script for %s: %w", d.Name, err)
		}
		script, name = string(data), d.ScriptFile
	}
	return decoder.NewScripted(d.Layout, script, name, logger)
}

// Validate checks the descriptor is complete for its transport.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("board %d: name is required", d.ID)
	}
	switch d.Transport {
	case TransportSerial, TransportSynthetic:
	case TransportBLE:
		if d.BLE.Service == "" || d.BLE.Notify == "" {
			return fmt.Errorf("board %s: ble service and notify characteristic are required", d.Name)
		}
	default:
		return fmt.Errorf("board %s: unknown transport %q", d.Name, d.Transport)
	}
	if d.SamplingRate <= 0 {
		return fmt.Errorf("board %s: sampling rate must be > 0", d.Name)
	}
	if err := d.Layout.Validate(); err != nil {
		return fmt.Errorf("board %s: %w", d.Name, err)
	}
	if d.Layout.ChannelCount == 0 {
		return fmt.Errorf("board %s: no channels", d.Name)
	}
	return nil
}

type tableFile struct {
	Boards []Descriptor `yaml:"boards"`
}

// Table is an id-ordered set of board descriptors. It is immutable once built.
type Table struct {
	boards *orderedmap.OrderedMap[int, Descriptor]
}

// Parse reads a YAML board table.
func Parse(data []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse board table: %w", err)
	}

	seen := make(map[int]struct{}, len(file.Boards))
	for _, d := range file.Boards {
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate board id %d", d.ID)
		}
		seen[d.ID] = struct{}{}
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return newTable(file.Boards), nil
}

// LoadFile reads a YAML board table from path.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read board table %s: %w", path, err)
	}
	return Parse(data)
}

var loadDefault = sync.OnceValues(func() (*Table, error) {
	return Parse(defaultTable)
})

// Default returns the built-in board table.
func Default() *Table {
	t, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("boards: embedded table is invalid: %v", err))
	}
	return t
}

func newTable(ds []Descriptor) *Table {
	sorted := slices.Clone(ds)
	slices.SortStableFunc(sorted, func(a, b Descriptor) int { return a.ID - b.ID })

	om := orderedmap.New[int, Descriptor]()
	for _, d := range sorted {
		om.Set(d.ID, d)
	}
	return &Table{boards: om}
}

// Merge returns a new table with the boards of other added to t.
// Boards in other replace boards of t with the same id.
func (t *Table) Merge(other *Table) *Table {
	byID := make(map[int]Descriptor, t.Len()+other.Len())
	for _, d := range t.All() {
		byID[d.ID] = d
	}
	for _, d := range other.All() {
		byID[d.ID] = d
	}

	ds := make([]Descriptor, 0, len(byID))
	for _, d := range byID {
		ds = append(ds, d)
	}
	return newTable(ds)
}

// Lookup returns the descriptor for id.
func (t *Table) Lookup(id int) (Descriptor, error) {
	d, ok := t.boards.Get(id)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrUnknownBoard, id)
	}
	return d, nil
}

// All returns the descriptors in id order.
func (t *Table) All() []Descriptor {
	out := make([]Descriptor, 0, t.boards.Len())
	for pair := t.boards.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Len returns the number of boards.
func (t *Table) Len() int {
	return t.boards.Len()
}

// NumRows returns the record width of board id.
func (t *Table) NumRows(id int) (int, error) {
	d, err := t.Lookup(id)
	if err != nil {
		return 0, err
	}
	return d.NumRows(), nil
}

// ExgRows returns the signal rows of board id.
func (t *Table) ExgRows(id int) ([]int, error) {
	d, err := t.Lookup(id)
	if err != nil {
		return nil, err
	}
	return d.ExgRows(), nil
}

// MarkerRow returns the marker row of board id.
func (t *Table) MarkerRow(id int) (int, error) {
	d, err := t.Lookup(id)
	if err != nil {
		return 0, err
	}
	return d.MarkerRow(), nil
}

// PackageRow returns the package counter row of board id.
func (t *Table) PackageRow(id int) (int, error) {
	d, err := t.Lookup(id)
	if err != nil {
		return 0, err
	}
	return d.PackageRow(), nil
}
