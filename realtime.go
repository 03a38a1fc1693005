package chatsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteQueueSize    int
	Logger            *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * c.HeartbeatInterval
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

func defaultLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return &l
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

var (
	errWriteQueueFull = errors.New("write queue full")
	errRunStopped     = errors.New("connection run stopped")
)

// ============================================================================
// Signal Delivery
// ============================================================================

// notifier runs posted callbacks one at a time in posting order.
type notifier struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	n.mu.Unlock()
	go n.drain()
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.draining = false
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}

// ============================================================================
// Credential Inspection
// ============================================================================

// CredentialExpiry returns the exp claim of a JWT credential without
// verifying its signature. ok is false for opaque tokens.
func CredentialExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

func checkCredential(token string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("empty credential: %w", ErrUnauthorized)
	}
	if exp, ok := CredentialExpiry(token); ok && !exp.After(now) {
		return fmt.Errorf("credential expired at %s: %w", exp.Format(time.RFC3339), ErrUnauthorized)
	}
	return nil
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns one logical STOMP connection: its state machine,
// fixed-delay reconnect, heartbeat and the single writer goroutine.
type ConnectionManager struct {
	dialer Dialer
	config *RealtimeConfig
	log    zerolog.Logger

	mu         sync.Mutex
	state      ConnectionState
	run        *connRun
	queue      chan *frame.Frame
	writerDone chan struct{}
	epoch      uint64
	attempt    int

	hooksMu     sync.RWMutex
	onState     []func(ConnectionState)
	onAuth      []func(error)
	onConnected []func(epoch uint64)
	onMessage   func(*frame.Frame)

	signals notifier
}

type connRun struct {
	cancel context.CancelFunc
}

// NewConnectionManager creates a manager that dials through dialer.
func NewConnectionManager(dialer Dialer, config *RealtimeConfig) *ConnectionManager {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &ConnectionManager{
		dialer: dialer,
		config: config,
		log:    config.Logger.With().Str("component", "connection").Logger(),
		state:  StateDisconnected,
	}
}

// OnStateChange registers a handler for state transitions.
func (m *ConnectionManager) OnStateChange(h func(ConnectionState)) {
	m.hooksMu.Lock()
	m.onState = append(m.onState, h)
	m.hooksMu.Unlock()
}

// OnAuthFailure registers a handler for fatal authentication failures.
func (m *ConnectionManager) OnAuthFailure(h func(error)) {
	m.hooksMu.Lock()
	m.onAuth = append(m.onAuth, h)
	m.hooksMu.Unlock()
}

// onConnect registers a hook that runs on the connection goroutine right
// after each successful handshake, before any inbound frame is delivered.
func (m *ConnectionManager) onConnect(h func(epoch uint64)) {
	m.hooksMu.Lock()
	m.onConnected = append(m.onConnected, h)
	m.hooksMu.Unlock()
}

func (m *ConnectionManager) handleMessages(h func(*frame.Frame)) {
	m.hooksMu.Lock()
	m.onMessage = h
	m.hooksMu.Unlock()
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the handshake completed and the transport is up.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Epoch identifies the current live connection. It is zero when not connected.
func (m *ConnectionManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return 0
	}
	return m.epoch
}

// Connect starts connecting with credential and returns immediately.
// It fails with ErrAlreadyConnected unless the manager is idle.
func (m *ConnectionManager) Connect(credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != nil {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &connRun{cancel: cancel}
	m.run = r
	m.attempt = 0
	go m.loop(ctx, r, credential)
	return nil
}

// Disconnect sends DISCONNECT, closes the transport and stops reconnecting.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	r := m.run
	if r == nil {
		m.mu.Unlock()
		return
	}
	m.run = nil
	queue, done := m.queue, m.writerDone
	m.queue, m.writerDone = nil, nil
	if queue != nil {
		select {
		case queue <- disconnectFrame():
		default:
		}
		close(queue)
	}
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(m.config.ConnectTimeout):
			m.log.Warn().Msg("timed out flushing writes on disconnect")
		}
	}
	r.cancel()
	m.log.Info().Msg("disconnected")
}

// Send enqueues f on the live connection. The state check and the enqueue
// happen under one lock, so a frame is never accepted by a dead connection.
func (m *ConnectionManager) Send(f *frame.Frame) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.queue == nil {
		return 0, ErrNotConnected
	}
	select {
	case m.queue <- f:
		return m.epoch, nil
	default:
		return 0, errWriteQueueFull
	}
}

func (m *ConnectionManager) loop(ctx context.Context, r *connRun, credential string) {
	for {
		err := m.attemptOnce(ctx, r, credential)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrUnauthorized) {
			m.mu.Lock()
			current := m.run == r
			if current {
				m.run = nil
				m.setStateLocked(StateDisconnected)
			}
			m.mu.Unlock()
			r.cancel()
			if current {
				m.log.Error().Err(err).Msg("authentication rejected, not reconnecting")
				m.emitAuthFailure(err)
			}
			return
		}

		m.mu.Lock()
		if m.run != r {
			m.mu.Unlock()
			return
		}
		m.attempt++
		attempt := m.attempt
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()

		m.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", m.config.ReconnectDelay).Msg("connection lost, reconnecting")

		t := time.NewTimer(m.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (m *ConnectionManager) attemptOnce(ctx context.Context, r *connRun, credential string) error {
	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		return errRunStopped
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := checkCredential(credential, time.Now()); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx, credential)
	cancel()
	if err != nil {
		return err
	}

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	queue := make(chan *frame.Frame, m.config.WriteQueueSize)
	writerDone := make(chan struct{})

	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		conn.Close()
		return errRunStopped
	}
	m.epoch++
	epoch := m.epoch
	m.queue = queue
	m.writerDone = writerDone
	m.attempt = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.writeLoop(connCtx, conn, queue, writerDone, stop)
	go m.heartbeatLoop(connCtx, epoch)

	m.hooksMu.RLock()
	hooks := append([]func(uint64){}, m.onConnected...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(epoch)
	}

	err = m.readLoop(connCtx, conn)

	m.mu.Lock()
	if m.queue == queue {
		m.queue = nil
		m.writerDone = nil
		if m.run == r {
			m.setStateLocked(StateDisconnected)
		}
	}
	m.mu.Unlock()
	stop()
	conn.Close()
	return err
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn FrameConn) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, m.config.ReadTimeout)
		f, err := conn.ReadFrame(rctx)
		cancel()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			m.hooksMu.RLock()
			h := m.onMessage
			m.hooksMu.RUnlock()
			if h != nil {
				h(f)
			}
		case frame.ERROR:
			fe := newFrameError(f)
			if fe.authFailure() {
				return fmt.Errorf("%w: %w", ErrUnauthorized, fe)
			}
			return fe
		default:
			m.log.Debug().Str("command", f.Command).Msg("ignoring frame")
		}
	}
}

func (m *ConnectionManager) writeLoop(ctx context.Context, conn FrameConn, queue <-chan *frame.Frame, done chan<- struct{}, stop context.CancelFunc) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-queue:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
			err := conn.WriteFrame(wctx, f)
			cancel()
			if err != nil {
				m.log.Warn().Err(err).Msg("write failed, closing connection")
				stop()
				return
			}
		}
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, epoch uint64) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state != StateConnected || m.epoch != epoch || m.queue == nil {
				m.mu.Unlock()
				return
			}
			select {
			case m.queue <- nil:
			default:
			}
			m.mu.Unlock()
		}
	}
}

func (m *ConnectionManager) setStateLocked(s ConnectionState) {
	if m.state == s {
		return
	}
	m.state = s
	m.log.Info().Str("state", string(s)).Msg("connection state changed")
	m.signals.post(func() {
		m.hooksMu.RLock()
		handlers := append([]func(ConnectionState){}, m.onState...)
		m.hooksMu.RUnlock()
		for _, h := range handlers {
			h(s)
		}
	})
}

func (m *ConnectionManager) emitAuthFailure(err error) {
	m.signals.post(func() {
		m.hooksMu.RLock()
		handlers := append([]func(error){}, m.onAuth...)
		m.hooksMu.RUnlock()
		for _, h := range handlers {
			h(err)
		}
	})
}
