package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var errConnClosed = errors.New("connection closed")

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func testRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{
		ReconnectDelay:    20 * time.Millisecond,
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		ReadTimeout:       time.Hour,
		Logger:            nopLogger(),
	}
}

// ============================================================================
// In-memory frame transport
// ============================================================================

type fakeConn struct {
	in      chan *frame.Frame
	written chan *frame.Frame
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan *frame.Frame, 64),
		written: make(chan *frame.Frame, 1024),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, f *frame.Frame) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.written <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a frame from the server side.
func (c *fakeConn) push(f *frame.Frame) {
	c.in <- f
}

// next returns the next non-heartbeat frame the client wrote.
func (c *fakeConn) next(t *testing.T) *frame.Frame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f := <-c.written:
			if f != nil {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for a written frame")
			return nil
		}
	}
}

// nextCommand skips frames until one with command is written.
func (c *fakeConn) nextCommand(t *testing.T, command string) *frame.Frame {
	t.Helper()
	for {
		f := c.next(t)
		if f.Command == command {
			return f
		}
	}
}

// noFrame asserts nothing but heartbeats is written within d.
func (c *fakeConn) noFrame(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-c.written:
			if f != nil {
				t.Fatalf("unexpected %s frame", f.Command)
			}
		case <-deadline:
			return
		}
	}
}

type fakeDialer struct {
	mu          sync.Mutex
	failures    []error
	dials       int
	credentials []string
	conns       chan *fakeConn
	gate        chan struct{}
}

func newFakeDialer(failures ...error) *fakeDialer {
	return &fakeDialer{failures: failures, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (FrameConn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	d.dials++
	d.credentials = append(d.credentials, credential)
	var err error
	if len(d.failures) > 0 {
		err = d.failures[0]
		d.failures = d.failures[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

// hold makes dials block until the returned channel is closed.
func (d *fakeDialer) hold() chan struct{} {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	return gate
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func waitState(t *testing.T, m *ConnectionManager, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, 5*time.Millisecond, "state never became %s", want)
}

func messageFrame(subscriptionID, body string) *frame.Frame {
	f := frame.New(frame.MESSAGE, hdrSubscription, subscriptionID, "message-id", "1")
	f.Body = []byte(body)
	return f
}

// ============================================================================
// Recording transport for registry and dispatcher tests
// ============================================================================

type fakeTransport struct {
	mu    sync.Mutex
	epoch uint64
	fail  error
	sent  []*frame.Frame
}

func (f *fakeTransport) Send(fr *frame.Frame) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.epoch == 0 {
		return 0, ErrNotConnected
	}
	if f.fail != nil {
		return 0, f.fail
	}
	f.sent = append(f.sent, fr)
	return f.epoch, nil
}

func (f *fakeTransport) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeTransport) setEpoch(e uint64) {
	f.mu.Lock()
	f.epoch = e
	f.mu.Unlock()
}

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeTransport) frames() []*frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*frame.Frame(nil), f.sent...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func commands(frames []*frame.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Command
	}
	return out
}
