package serial

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/suite"

	"github.com/srg/biostream/internal/testutils"
	"github.com/srg/biostream/internal/transport"
)

type SerialTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	master *os.File
	slave  *os.File
}

func (suite *SerialTestSuite) SetupSuite() {
	suite.helper = testutils.NewTestHelper(suite.T())
}

func (suite *SerialTestSuite) SetupTest() {
	master, slave, err := pty.Open()
	suite.Require().NoError(err, "pty pair MUST be available for serial tests")
	suite.master = master
	suite.slave = slave
}

func (suite *SerialTestSuite) TearDownTest() {
	_ = suite.master.Close()
	_ = suite.slave.Close()
}

func (suite *SerialTestSuite) newPort() *Port {
	return New(Config{Port: suite.slave.Name(), Logger: suite.helper.Logger})
}

func (suite *SerialTestSuite) readAll(p *Port, want int, deadline time.Duration) []byte {
	var got []byte
	buf := make([]byte, 64)
	end := time.Now().Add(deadline)
	for len(got) < want && time.Now().Before(end) {
		n, err := p.Read(buf, 50*time.Millisecond)
		suite.Require().NoError(err)
		got = append(got, buf[:n]...)
	}
	return got
}

func (suite *SerialTestSuite) TestReadTimeoutIsNotAnError() {
	// GOAL: Verify a read with no pending input returns (0, nil) after the timeout
	//
	// TEST SCENARIO: open port, read with 30ms timeout → 0 bytes, no error, bounded duration

	p := suite.newPort()
	suite.Require().NoError(p.Open(context.Background()))
	defer p.Close()

	start := time.Now()
	n, err := p.Read(make([]byte, 16), 30*time.Millisecond)
	suite.NoError(err)
	suite.Zero(n)
	suite.Less(time.Since(start), time.Second, "read MUST return within a bounded time")
}

func (suite *SerialTestSuite) TestReadWrite() {
	// GOAL: Verify bytes flow in both directions without line discipline processing
	//
	// TEST SCENARIO: master writes binary bytes → port reads them; port writes command → master reads it

	p := suite.newPort()
	suite.Require().NoError(p.Open(context.Background()))
	defer p.Close()

	frame := []byte{0xA0, 0x0D, 0x0A, 0x03, 0x7F, 0xC0}
	_, err := suite.master.Write(frame)
	suite.Require().NoError(err)
	suite.Equal(frame, suite.readAll(p, len(frame), 2*time.Second), "raw bytes MUST arrive unchanged")

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 1)
		n, _ := suite.master.Read(buf)
		got <- string(buf[:n])
	}()

	suite.Require().NoError(p.Write([]byte("b")))
	select {
	case s := <-got:
		suite.Equal("b", s, "command MUST reach the device side")
	case <-time.After(2 * time.Second):
		suite.Fail("command MUST reach the device side within 2s")
	}
}

func (suite *SerialTestSuite) TestWriteTimesOutWhenDeviceStopsReading() {
	// GOAL: Verify a device that never drains its input cannot block Write forever
	//
	// TEST SCENARIO: master never reads, 1 MiB written with a 100ms write timeout → ErrWriteTimeout well before 2s

	p := New(Config{Port: suite.slave.Name(), WriteTimeout: 100 * time.Millisecond, Logger: suite.helper.Logger})
	suite.Require().NoError(p.Open(context.Background()))
	defer p.Close()

	start := time.Now()
	err := p.Write(make([]byte, 1<<20))
	suite.ErrorIs(err, ErrWriteTimeout, "Write MUST give up once the timeout expires")
	suite.Less(time.Since(start), 2*time.Second, "Write MUST return close to its timeout")
}

func (suite *SerialTestSuite) TestLifecycleErrors() {
	// GOAL: Verify misuse of the port lifecycle yields transport sentinels
	//
	// TEST SCENARIO: read before open, double open, read after close, double close

	p := suite.newPort()

	_, err := p.Read(make([]byte, 1), time.Millisecond)
	suite.ErrorIs(err, transport.ErrNotOpen)
	suite.ErrorIs(p.Write([]byte{1}), transport.ErrNotOpen)

	suite.Require().NoError(p.Open(context.Background()))
	suite.ErrorIs(p.Open(context.Background()), transport.ErrOpen)

	suite.NoError(p.Close())
	suite.NoError(p.Close(), "second close MUST be a no-op")

	_, err = p.Read(make([]byte, 1), time.Millisecond)
	suite.ErrorIs(err, transport.ErrNotOpen)
}

func (suite *SerialTestSuite) TestOpenErrors() {
	suite.Run("missing device", func() {
		p := New(Config{Port: "/dev/does-not-exist-biostream"})
		err := p.Open(context.Background())
		var openErr *transport.OpenError
		suite.ErrorAs(err, &openErr)
		suite.Equal("serial", openErr.Kind)
	})

	suite.Run("empty port", func() {
		err := New(Config{}).Open(context.Background())
		suite.ErrorIs(err, &transport.OpenError{})
	})

	suite.Run("unsupported baud rate", func() {
		p := New(Config{Port: suite.slave.Name(), BaudRate: 12345})
		suite.ErrorIs(p.Open(context.Background()), &transport.OpenError{})
	})

	suite.Run("cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		suite.ErrorIs(suite.newPort().Open(ctx), context.Canceled)
	})
}

func TestSerialTestSuite(t *testing.T) {
	suite.Run(t, new(SerialTestSuite))
}
