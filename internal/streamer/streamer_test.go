package streamer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/srg/biostream/internal/testutils"
)

type StreamerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	dir    string
}

func (suite *StreamerTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.dir = suite.T().TempDir()
}

func (suite *StreamerTestSuite) path(name string) string {
	return filepath.Join(suite.dir, name)
}

func (suite *StreamerTestSuite) readLines(path string) []string {
	data, err := os.ReadFile(path)
	suite.Require().NoError(err)
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func (suite *StreamerTestSuite) TestParse() {
	// GOAL: Verify streamer parameter parsing
	//
	// TEST SCENARIO: Parse valid and malformed strings → params or ErrInvalidParams

	suite.Run("empty means no streamer", func() {
		p, err := Parse("")
		suite.NoError(err)
		suite.Nil(p)
	})

	suite.Run("write mode", func() {
		p, err := Parse("file://out.csv:w")
		suite.Require().NoError(err)
		suite.Equal("out.csv", p.Path)
		suite.Equal(ModeWrite, p.Mode)
		suite.Equal("file://out.csv:w", p.String())
	})

	suite.Run("path containing colons", func() {
		p, err := Parse("file://C:/data/run:1.csv:a")
		suite.Require().NoError(err)
		suite.Equal("C:/data/run:1.csv", p.Path, "mode MUST be split at the last colon")
		suite.Equal(ModeAppend, p.Mode)
	})

	bad := map[string]string{
		"unknown scheme": "udp://127.0.0.1:6677",
		"missing mode":   "file://out.csv",
		"bad mode":       "file://out.csv:x",
		"empty path":     "file://:w",
	}
	for name, params := range bad {
		suite.Run(name, func() {
			_, err := Parse(params)
			suite.ErrorIs(err, ErrInvalidParams, "%q MUST be rejected", params)
		})
	}
}

func (suite *StreamerTestSuite) TestWritesRecords() {
	// GOAL: Verify every offered record becomes one tab-separated line
	//
	// TEST SCENARIO: Offer 3 records → close → file has values then timestamp per line

	path := suite.path("out.csv")
	s, err := Open(context.Background(), "file://"+path+":w", suite.helper.Logger)
	suite.Require().NoError(err)
	suite.Require().NotNil(s)

	for i := 1; i <= 3; i++ {
		v := float64(i)
		s.Offer(100+v/10, []float64{v, -v, 0.5})
	}
	suite.Require().NoError(s.Close())

	lines := suite.readLines(path)
	suite.Require().Len(lines, 3)
	suite.Equal("1.000000\t-1.000000\t0.500000\t100.100000", lines[0])
	suite.Equal("3.000000\t-3.000000\t0.500000\t100.300000", lines[2])
	suite.EqualValues(3, s.Written())
	suite.EqualValues(0, s.Dropped())
}

func (suite *StreamerTestSuite) TestOfferCopiesRow() {
	// GOAL: Verify the caller may reuse its row slice after Offer
	//
	// TEST SCENARIO: Offer a row then mutate it → file holds the original values

	path := suite.path("copy.csv")
	s, err := OpenFile(context.Background(), Params{Path: path, Mode: ModeWrite}, 8, suite.helper.Logger)
	suite.Require().NoError(err)

	row := []float64{7}
	s.Offer(1, row)
	row[0] = 99
	suite.Require().NoError(s.Close())

	lines := suite.readLines(path)
	suite.Require().Len(lines, 1)
	suite.Equal("7.000000\t1.000000", lines[0], "queued record MUST NOT alias the caller's slice")
}

func (suite *StreamerTestSuite) TestAppendMode() {
	// GOAL: Verify append mode keeps existing content and write mode truncates
	//
	// TEST SCENARIO: Write 1 record, append 1 → 2 lines; rewrite → 1 line

	path := suite.path("append.csv")
	write := func(mode Mode, v float64) {
		s, err := OpenFile(context.Background(), Params{Path: path, Mode: mode}, 8, suite.helper.Logger)
		suite.Require().NoError(err)
		s.Offer(v, []float64{v})
		suite.Require().NoError(s.Close())
	}

	write(ModeWrite, 1)
	write(ModeAppend, 2)
	suite.Len(suite.readLines(path), 2, "append MUST keep previous lines")

	write(ModeWrite, 3)
	suite.Len(suite.readLines(path), 1, "write mode MUST truncate")
}

func (suite *StreamerTestSuite) TestOpenErrors() {
	// GOAL: Verify open failures are reported and empty params yield no streamer
	//
	// TEST SCENARIO: Open in missing directory → error; empty params → nil, nil

	_, err := Open(context.Background(), "file://"+suite.path("missing/dir/out.csv")+":w", suite.helper.Logger)
	suite.Error(err, "unwritable path MUST fail")

	s, err := Open(context.Background(), "", suite.helper.Logger)
	suite.NoError(err)
	suite.Nil(s)

	_, err = Open(context.Background(), "tcp://x:w", suite.helper.Logger)
	suite.ErrorIs(err, ErrInvalidParams)
}

func (suite *StreamerTestSuite) TestCloseIdempotentAndOfferAfterClose() {
	// GOAL: Verify Close can be repeated and late offers are ignored
	//
	// TEST SCENARIO: Close twice → no error; Offer after close → no panic, nothing written

	path := suite.path("closed.csv")
	s, err := OpenFile(context.Background(), Params{Path: path, Mode: ModeWrite}, 8, suite.helper.Logger)
	suite.Require().NoError(err)

	suite.Require().NoError(s.Close())
	suite.NoError(s.Close(), "second Close MUST be a no-op")
	suite.NotPanics(func() { s.Offer(1, []float64{1}) }, "Offer after Close MUST NOT panic")
	suite.Empty(suite.readLines(path))
}

func (suite *StreamerTestSuite) TestCloseTimeoutStillReleasesFile() {
	// GOAL: Verify a writer stuck on a slow destination still closes the file once it unblocks
	//
	// TEST SCENARIO: FIFO reader holds the pipe without reading → Close times out → reader drains → writer closes the file (reader sees EOF)

	path := suite.path("stalled.fifo")
	suite.Require().NoError(unix.Mkfifo(path, 0o600))

	reader, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	suite.Require().NoError(err)
	defer reader.Close()

	s, err := OpenFile(context.Background(), Params{Path: path, Mode: ModeWrite}, DefaultQueueSize, suite.helper.Logger)
	suite.Require().NoError(err)
	s.closeTimeout = 50 * time.Millisecond

	row := []float64{1111.111111, 2222.222222, 3333.333333, 4444.444444, 5555.555555, 6666.666666, 7777.777777, 8888.888888}
	for i := 0; i < DefaultQueueSize; i++ {
		s.Offer(float64(i), row)
	}

	suite.ErrorIs(s.Close(), ErrCloseTimeout, "Close MUST report a writer that did not finish in time")
	suite.NoError(s.Close(), "second Close MUST be a no-op")

	read := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(reader)
		read <- data
	}()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		suite.FailNow("writer MUST exit once the destination drains")
	}

	select {
	case data := <-read:
		suite.NotEmpty(data)
		suite.EqualValues(s.Written(), strings.Count(string(data), "\n"), "every received record MUST reach the file")
	case <-time.After(5 * time.Second):
		suite.FailNow("reader MUST see EOF: the writer MUST close the stream file on exit")
	}
}

func (suite *StreamerTestSuite) TestConcurrentOffers() {
	// GOAL: Verify concurrent producers never block and every record is written or counted as dropped
	//
	// TEST SCENARIO: 4 producers × 500 records into a small queue → written + dropped == 2000

	path := suite.path("concurrent.csv")
	s, err := OpenFile(context.Background(), Params{Path: path, Mode: ModeWrite}, 16, suite.helper.Logger)
	suite.Require().NoError(err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Offer(float64(i), []float64{float64(p)})
			}
		}()
	}
	wg.Wait()
	suite.Require().NoError(s.Close())

	lines := suite.readLines(path)
	suite.EqualValues(len(lines), s.Written())
	suite.EqualValues(2000, s.Written()+s.Dropped(), "every record MUST be written or counted as dropped")
}

func TestStreamerTestSuite(t *testing.T) {
	suite.Run(t, new(StreamerTestSuite))
}

type RingChannelTestSuite struct {
	suite.Suite
}

func (suite *RingChannelTestSuite) TestOverwriteOldest() {
	// GOAL: Verify a full channel drops its oldest element
	//
	// TEST SCENARIO: cap 3, send 1..5 → receive 3,4,5; overwritten = 2

	rc := NewRingChannel[int](3)
	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}
	suite.Equal(3, rc.Len())
	suite.Equal(3, rc.Cap())

	for _, want := range []int{3, 4, 5} {
		v, ok := rc.TryReceive()
		suite.Require().True(ok)
		suite.Equal(want, v)
	}
	_, ok := rc.TryReceive()
	suite.False(ok, "empty channel MUST report no value")

	m := rc.GetMetrics()
	suite.EqualValues(5, m.Written)
	suite.EqualValues(2, m.Overwritten)
	suite.EqualValues(3, m.Processed)
}

func (suite *RingChannelTestSuite) TestTrySendAndClose() {
	// GOAL: Verify TrySend refuses when full and Receive ends after Close
	//
	// TEST SCENARIO: cap 1, TrySend twice → second false; close → Receive drains then reports closed

	rc := NewRingChannel[string](1)
	suite.True(rc.TrySend("a"))
	suite.False(rc.TrySend("b"), "TrySend MUST NOT overwrite")
	rc.Close()

	v, ok := rc.Receive()
	suite.True(ok)
	suite.Equal("a", v)
	_, ok = rc.Receive()
	suite.False(ok, "closed channel MUST report closed once drained")
}

func (suite *RingChannelTestSuite) TestInvalidCapacity() {
	suite.Panics(func() { NewRingChannel[int](0) })
}

func TestRingChannelTestSuite(t *testing.T) {
	suite.Run(t, new(RingChannelTestSuite))
}
