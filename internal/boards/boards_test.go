package boards

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/biostream/internal/decoder"
	"github.com/srg/biostream/internal/testutils"
)

type BoardsTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
}

func (suite *BoardsTestSuite) SetupSuite() {
	suite.helper = testutils.NewTestHelper(suite.T())
}

func (suite *BoardsTestSuite) TestDefaultTable() {
	// GOAL: Verify the embedded table parses and lists boards in id order
	//
	// TEST SCENARIO: Load default table → ids sorted, shipped boards present

	table := Default()
	ids := make([]int, 0, table.Len())
	for _, d := range table.All() {
		ids = append(ids, d.ID)
	}
	suite.Equal([]int{-1, 0, 30, 31, 40}, ids, "boards MUST be listed in id order")

	cyton, err := table.Lookup(0)
	suite.Require().NoError(err)
	suite.Equal("cyton", cyton.Name)
	suite.Equal(TransportSerial, cyton.Transport)
	suite.Equal(250, cyton.SamplingRate)
	suite.Equal([]byte{0xA0}, cyton.Layout.Start)
	suite.Equal(byte(0xC0), cyton.Layout.End)
	suite.Equal(byte(0xF0), cyton.Layout.EndMask)
	suite.Equal(24, cyton.Layout.ChannelWidth)

	ble, err := table.Lookup(30)
	suite.Require().NoError(err)
	suite.Equal(TransportBLE, ble.Transport)
	suite.Equal("6E400003-B5A3-F393-E0A9-E50E24DCCA9E", ble.BLE.Notify)
	suite.Equal(decoder.ChecksumXOR, ble.Layout.Checksum)
}

func (suite *BoardsTestSuite) TestRowMap() {
	// GOAL: Verify the row map derived from channel count
	//
	// TEST SCENARIO: cyton has 8 channels → package 0, exg 1..8, marker 9, 10 rows

	table := Default()

	rows, err := table.NumRows(0)
	suite.Require().NoError(err)
	suite.Equal(10, rows)

	exg, err := table.ExgRows(0)
	suite.Require().NoError(err)
	suite.Equal([]int{1, 2, 3, 4, 5, 6, 7, 8}, exg)

	marker, err := table.MarkerRow(0)
	suite.Require().NoError(err)
	suite.Equal(9, marker)

	pkg, err := table.PackageRow(31)
	suite.Require().NoError(err)
	suite.Equal(0, pkg)

	_, err = table.NumRows(999)
	suite.ErrorIs(err, ErrUnknownBoard)
}

func (suite *BoardsTestSuite) TestSupportsRate() {
	ecg, err := Default().Lookup(31)
	suite.Require().NoError(err)

	suite.True(ecg.SupportsRate(500))
	suite.True(ecg.SupportsRate(1000))
	suite.False(ecg.SupportsRate(333))
}

func (suite *BoardsTestSuite) TestDecodersRoundTrip() {
	// GOAL: Verify every shipped board decodes frames produced from its own layout
	//
	// TEST SCENARIO: for each board, encode two frames → feed decoder → two samples with same package numbers

	for _, d := range Default().All() {
		suite.Run(d.Name, func() {
			dec, err := d.NewDecoder(suite.helper.Logger)
			suite.Require().NoError(err)
			if s, ok := dec.(*decoder.Scripted); ok {
				defer s.Close()
			}

			raw := make([]int32, d.Channels())
			for i := range raw {
				raw[i] = int32(i + 1)
			}

			var samples []decoder.Sample
			for pkg := byte(1); pkg <= 2; pkg++ {
				frame, err := decoder.EncodeRaw(d.Layout, pkg, raw)
				suite.Require().NoError(err)
				for _, b := range frame {
					if s, ok := dec.Consume(b); ok {
						samples = append(samples, s)
					}
				}
			}

			suite.Require().Len(samples, 2, "board %s MUST decode its own frames", d.Name)
			suite.Equal(float64(2), samples[1].Package)
			suite.Len(samples[1].Values, d.Channels())
			suite.InDelta(d.Layout.ScaleOf(0), samples[1].Values[0], 1e-9)
		})
	}
}

func (suite *BoardsTestSuite) TestParseErrors() {
	cases := map[string]string{
		"malformed yaml":    "boards: [",
		"duplicate id":      "boards:\n  - {id: 1, name: a, transport: synthetic, sampling_rate: 1, layout: {start: [1], length: 4, package_offset: -1, channel_offset: 1, channel_width: 8, channel_count: 1}}\n  - {id: 1, name: b, transport: synthetic, sampling_rate: 1, layout: {start: [1], length: 4, package_offset: -1, channel_offset: 1, channel_width: 8, channel_count: 1}}\n",
		"unknown transport": "boards:\n  - {id: 1, name: a, transport: usb, sampling_rate: 1, layout: {start: [1], length: 4, package_offset: -1, channel_offset: 1, channel_width: 8, channel_count: 1}}\n",
		"ble without uuids": "boards:\n  - {id: 1, name: a, transport: ble, sampling_rate: 1, layout: {start: [1], length: 4, package_offset: -1, channel_offset: 1, channel_width: 8, channel_count: 1}}\n",
		"bad layout":        "boards:\n  - {id: 1, name: a, transport: serial, sampling_rate: 1, layout: {start: [], length: 4}}\n",
		"zero rate":         "boards:\n  - {id: 1, name: a, transport: serial, sampling_rate: 0, layout: {start: [1], length: 4, package_offset: -1, channel_offset: 1, channel_width: 8, channel_count: 1}}\n",
	}

	for name, data := range cases {
		suite.Run(name, func() {
			_, err := Parse([]byte(data))
			suite.Error(err, "%s MUST be rejected", name)
		})
	}
}

func (suite *BoardsTestSuite) TestLoadFileAndMerge() {
	// GOAL: Verify external tables load from disk and override built-in boards
	//
	// TEST SCENARIO: file with board 0 renamed and new board 77 → merged table has both

	path := filepath.Join(suite.T().TempDir(), "extra.yaml")
	data := `
boards:
  - id: 77
    name: custom
    transport: serial
    sampling_rate: 100
    layout: {start: [0x01], length: 4, package_offset: -1, channel_offset: 1, channel_width: 16, channel_count: 1}
  - id: 0
    name: cyton-custom
    transport: serial
    sampling_rate: 250
    layout: {start: [0xA0], length: 5, package_offset: 1, channel_offset: 2, channel_width: 16, channel_count: 1}
`
	suite.Require().NoError(os.WriteFile(path, []byte(data), 0o600))

	extra, err := LoadFile(path)
	suite.Require().NoError(err)

	merged := Default().Merge(extra)
	suite.Equal(Default().Len()+1, merged.Len())

	d, err := merged.Lookup(0)
	suite.Require().NoError(err)
	suite.Equal("cyton-custom", d.Name, "external board MUST replace the built-in one")

	all := merged.All()
	suite.Equal(77, all[len(all)-1].ID, "merged table MUST stay in id order")

	_, err = LoadFile(filepath.Join(suite.T().TempDir(), "missing.yaml"))
	suite.Error(err)
}

func TestBoardsTestSuite(t *testing.T) {
	suite.Run(t, new(BoardsTestSuite))
}
