package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/biostream/internal/transport"
)

// MockTransport is a scripted in-memory transport. Bytes queued with Feed are
// returned by Read; errors queued with FailReads are returned first.
type MockTransport struct {
	mu       sync.Mutex
	open     bool
	data     []byte
	readErrs []error
	writes   []string
	opens    int
	closes   int
	signal   chan struct{}
	block    chan struct{}
	panicMsg string

	OpenErr  error
	WriteErr error
}

var _ transport.Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{signal: make(chan struct{}, 1)}
}

func (m *MockTransport) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenErr != nil {
		return m.OpenErr
	}
	if m.open {
		return transport.ErrOpen
	}
	m.open = true
	m.opens++
	return nil
}

func (m *MockTransport) Read(p []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	block, panicMsg := m.block, m.panicMsg
	m.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if block != nil {
		<-block
	}

	if n, ok, err := m.take(p); ok {
		return n, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.signal:
	case <-timer.C:
		return 0, nil
	}

	n, _, err := m.take(p)
	return n, err
}

func (m *MockTransport) take(p []byte) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return 0, true, transport.ErrNotOpen
	}
	if len(m.readErrs) > 0 {
		err := m.readErrs[0]
		m.readErrs = m.readErrs[1:]
		return 0, true, err
	}
	if len(m.data) == 0 {
		return 0, false, nil
	}
	n := copy(p, m.data)
	m.data = m.data[n:]
	return n, true, nil
}

func (m *MockTransport) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return transport.ErrNotOpen
	}
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.writes = append(m.writes, string(p))
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		m.closes++
	}
	m.open = false
	return nil
}

// Feed queues bytes for Read.
func (m *MockTransport) Feed(data []byte) {
	m.mu.Lock()
	m.data = append(m.data, data...)
	m.mu.Unlock()
	m.wake()
}

// FailReads queues errors returned by the next reads, one per call.
func (m *MockTransport) FailReads(errs ...error) {
	m.mu.Lock()
	m.readErrs = append(m.readErrs, errs...)
	m.mu.Unlock()
	m.wake()
}

// BlockReads makes every Read hang, ignoring its timeout, until the returned
// function is called.
func (m *MockTransport) BlockReads() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.block = nil
			m.mu.Unlock()
			close(ch)
		})
	}
}

// PanicOnRead makes the next Read panic with msg.
func (m *MockTransport) PanicOnRead(msg string) {
	m.mu.Lock()
	m.panicMsg = msg
	m.mu.Unlock()
}

func (m *MockTransport) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Writes returns every payload written so far.
func (m *MockTransport) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

func (m *MockTransport) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockTransport) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *MockTransport) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Pending returns the number of fed bytes not yet read.
func (m *MockTransport) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
