package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/biostream/internal/testutils"
	"github.com/srg/biostream/internal/transport"
)

const (
	serviceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	writeUUID   = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	notifyUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

type mockLink struct {
	mock.Mock

	mu      sync.Mutex
	handler ble.NotificationHandler
}

func (m *mockLink) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockLink) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	return m.Called(c, ind).Error(0)
}

func (m *mockLink) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, append([]byte(nil), value...), noRsp).Error(0)
}

func (m *mockLink) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockLink) notify(data []byte) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(data)
}

func uartProfile() *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{{
		UUID: ble.MustParse(serviceUUID),
		Characteristics: []*ble.Characteristic{
			{UUID: ble.MustParse(notifyUUID)},
			{UUID: ble.MustParse(writeUUID)},
		},
	}}}
}

type GobleTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	link     *mockLink
	origDial func(ctx context.Context, address string) (Link, error)
}

func (suite *GobleTestSuite) SetupSuite() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.origDial = Dial
}

func (suite *GobleTestSuite) SetupTest() {
	suite.link = &mockLink{}
	Dial = func(ctx context.Context, address string) (Link, error) {
		return suite.link, nil
	}
}

func (suite *GobleTestSuite) TearDownTest() {
	Dial = suite.origDial
}

func (suite *GobleTestSuite) newTransport(bufferSize int) *Transport {
	return New(Config{
		Address:     "AA:BB:CC:DD:EE:FF",
		ServiceUUID: serviceUUID,
		NotifyUUID:  notifyUUID,
		WriteUUID:   writeUUID,
		BufferSize:  bufferSize,
		Logger:      suite.helper.Logger,
	})
}

func (suite *GobleTestSuite) openTransport(bufferSize int) *Transport {
	suite.link.On("DiscoverProfile", true).Return(uartProfile(), nil)
	suite.link.On("Subscribe", mock.Anything, false).Return(nil)
	suite.link.On("CancelConnection").Return(nil)

	tr := suite.newTransport(bufferSize)
	suite.Require().NoError(tr.Open(context.Background()))
	return tr
}

func (suite *GobleTestSuite) TestNotificationsBecomeStream() {
	// GOAL: Verify notifications are readable as a contiguous byte stream
	//
	// TEST SCENARIO: two notifications → Read drains both in order; Read on empty stage times out with (0, nil)

	tr := suite.openTransport(0)
	defer tr.Close()

	suite.link.notify([]byte{1, 2, 3})
	suite.link.notify([]byte{4, 5})

	buf := make([]byte, 16)
	n, err := tr.Read(buf, 100*time.Millisecond)
	suite.Require().NoError(err)
	suite.Equal([]byte{1, 2, 3, 4, 5}, buf[:n])

	n, err = tr.Read(buf, 20*time.Millisecond)
	suite.NoError(err, "timeout MUST NOT be an error")
	suite.Zero(n)
}

func (suite *GobleTestSuite) TestReadWakesOnNotification() {
	// GOAL: Verify a waiting Read returns as soon as a notification arrives
	//
	// TEST SCENARIO: Read with 2s timeout, notification after 20ms → Read returns data well before timeout

	tr := suite.openTransport(0)
	defer tr.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		suite.link.notify([]byte{0xAA})
	}()

	start := time.Now()
	buf := make([]byte, 4)
	n, err := tr.Read(buf, 2*time.Second)
	suite.Require().NoError(err)
	suite.Equal([]byte{0xAA}, buf[:n])
	suite.Less(time.Since(start), time.Second)
}

func (suite *GobleTestSuite) TestStageOverflowCountsDrops() {
	tr := suite.openTransport(4)
	defer tr.Close()

	suite.link.notify([]byte{1, 2, 3, 4, 5, 6})
	suite.Equal(uint64(2), tr.Dropped(), "bytes beyond stage capacity MUST be counted as dropped")
}

func (suite *GobleTestSuite) TestWriteIsChunked() {
	// GOAL: Verify writes are split into 20-byte chunks
	//
	// TEST SCENARIO: write 45 bytes → 3 WriteCharacteristic calls of 20, 20, 5 bytes

	tr := suite.openTransport(0)
	defer tr.Close()

	data := make([]byte, 45)
	for i := range data {
		data[i] = byte(i)
	}
	suite.link.On("WriteCharacteristic", mock.Anything, data[:20], false).Return(nil).Once()
	suite.link.On("WriteCharacteristic", mock.Anything, data[20:40], false).Return(nil).Once()
	suite.link.On("WriteCharacteristic", mock.Anything, data[40:], false).Return(nil).Once()

	suite.Require().NoError(tr.Write(data))
	suite.link.AssertNumberOfCalls(suite.T(), "WriteCharacteristic", 3)
}

func (suite *GobleTestSuite) TestCloseWakesReader() {
	tr := suite.openTransport(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Read(make([]byte, 4), 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	suite.Require().NoError(tr.Close())

	select {
	case err := <-errCh:
		suite.ErrorIs(err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		suite.Fail("Close MUST wake a pending Read")
	}

	suite.NoError(tr.Close(), "second close MUST be a no-op")
	suite.link.AssertNumberOfCalls(suite.T(), "CancelConnection", 1)

	_, err := tr.Read(make([]byte, 1), time.Millisecond)
	suite.ErrorIs(err, transport.ErrNotOpen)
}

func (suite *GobleTestSuite) TestOpenFailures() {
	// GOAL: Verify every open failure is an OpenError and cancels the link
	//
	// TEST SCENARIO: dial error, discovery error, missing service, subscribe error

	suite.Run("dial error", func() {
		Dial = func(ctx context.Context, address string) (Link, error) {
			return nil, errors.New("no adapter")
		}
		defer func() {
			Dial = func(ctx context.Context, address string) (Link, error) { return suite.link, nil }
		}()
		suite.ErrorIs(suite.newTransport(0).Open(context.Background()), &transport.OpenError{})
	})

	suite.Run("discovery error", func() {
		link := &mockLink{}
		suite.link = link
		link.On("DiscoverProfile", true).Return(nil, errors.New("gatt error"))
		link.On("CancelConnection").Return(nil)

		suite.ErrorIs(suite.newTransport(0).Open(context.Background()), &transport.OpenError{})
		link.AssertCalled(suite.T(), "CancelConnection")
	})

	suite.Run("missing service", func() {
		link := &mockLink{}
		suite.link = link
		link.On("DiscoverProfile", true).Return(&ble.Profile{}, nil)
		link.On("CancelConnection").Return(nil)

		err := suite.newTransport(0).Open(context.Background())
		suite.ErrorContains(err, "not found")
		link.AssertCalled(suite.T(), "CancelConnection")
	})

	suite.Run("subscribe error", func() {
		link := &mockLink{}
		suite.link = link
		link.On("DiscoverProfile", true).Return(uartProfile(), nil)
		link.On("Subscribe", mock.Anything, false).Return(errors.New("cccd write failed"))
		link.On("CancelConnection").Return(nil)

		suite.ErrorIs(suite.newTransport(0).Open(context.Background()), &transport.OpenError{})
		link.AssertCalled(suite.T(), "CancelConnection")
	})

	suite.Run("invalid uuid", func() {
		tr := New(Config{Address: "AA:BB:CC:DD:EE:FF", ServiceUUID: "zz", NotifyUUID: notifyUUID})
		suite.ErrorIs(tr.Open(context.Background()), &transport.OpenError{})
	})
}

func TestGobleTestSuite(t *testing.T) {
	suite.Run(t, new(GobleTestSuite))
}
