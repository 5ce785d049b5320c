// Package conn owns the single logical channel to the real-time server:
// dialing, the auth handshake, heartbeats and reconnection with backoff.
// Frames are sent through Manager.Send, which queues into the outbox
// whenever the channel is not open.
package conn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/outbox"
	"github.com/matheus3301/matchwire/internal/protocol"
	"github.com/matheus3301/matchwire/internal/status"
	"github.com/matheus3301/matchwire/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrAuthRejected is the terminal failure: the server refused our
	// identity. No retry is scheduled.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")
	// ErrAuthTimeout is a transport failure: no auth answer in time.
	ErrAuthTimeout = errors.New("authentication timed out")
	// ErrZombie is a transport failure: the heartbeat went unanswered.
	ErrZombie = errors.New("heartbeat lost")

	errNotConnected = errors.New("channel not open")
)

// AuthError carries the server's rejection reason.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return ErrAuthRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuthRejected, e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAuthRejected }

// Bus event kinds. State changes are published by status.Machine.
const (
	EventAuthRejected     = "connection.auth_rejected"
	EventRetryScheduled   = "connection.retry_scheduled"
	EventRetriesExhausted = "connection.retries_exhausted"
	EventReset            = "connection.reset"
)

// Close codes used when the client tears the channel down.
const (
	closeZombie      = 4000
	closeAuthTimeout = 4001
)

const writeTimeout = 10 * time.Second

// RetryInfo is the payload of EventRetryScheduled.
type RetryInfo struct {
	Attempt int
	Delay   time.Duration
	Token   uint64
}

// Options configures a Manager.
type Options struct {
	URL    string
	UserID string
	Token  string
	Dialer transport.Dialer

	Backoff           Backoff
	DialTimeout       time.Duration
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	// MissedPongs intervals without a pong declare a zombie.
	MissedPongs int

	Outbox *outbox.Outbox
	// OnFrame receives every decoded inbound frame, auth and pong
	// included, on the read goroutine.
	OnFrame func(protocol.Frame)
	// OnDecodeError receives frames that failed to decode. nil logs them.
	OnDecodeError func(error)

	Bus    *bus.Bus
	Logger *zap.Logger
}

// Info is a point-in-time view of the manager.
type Info struct {
	State     status.State
	Token     uint64
	Attempts  int
	Err       error
	LastError error
}

// Manager is the connection manager. The zero value is not usable; call New.
type Manager struct {
	opts    Options
	log     *zap.Logger
	machine *status.Machine
	now     func() time.Time

	mu         sync.Mutex
	closed     bool
	token      uint64
	attempts   int
	nextGen    uint64
	active     uint64 // generation of the live channel, 0 when none
	conn       transport.Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	timer      *time.Timer
	lastPong   time.Time
	err        error
	lastErr    error
	onReset    []func()

	wg sync.WaitGroup
}

// New creates a manager in Disconnected state. Nothing is dialed until
// Connect.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = transport.WebSocketDialer{}
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.MissedPongs <= 0 {
		opts.MissedPongs = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		log:     logger.Named("conn"),
		machine: status.NewMachine(opts.Bus),
		now:     time.Now,
		token:   1,
	}
}

// OnReset registers fn to run after every Reset. Volatile caches (dedup
// memory tier, typing timers, presence) hook in here.
func (m *Manager) OnReset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = append(m.onReset, fn)
}

// current reports whether (token, gen) still identifies the live
// channel. m.mu must be held.
func (m *Manager) current(token, gen uint64) bool {
	return !m.closed && m.token == token && gen != 0 && m.active == gen
}

func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.log.Warn("state transition refused", zap.Error(err))
	}
}

// Connect opens the channel if it is not already open or opening. It
// clears a previous authentication failure and cancels a pending retry.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.active != 0 {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.err = nil
	token := m.token
	m.mu.Unlock()

	m.startAttempt(token)
	return nil
}

// Resume restarts reconnection after the attempt cap was reached (or
// skips a pending backoff). It does not override an auth rejection.
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return err
	}
	if m.active != 0 {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.attempts = 0
	token := m.token
	m.mu.Unlock()

	m.log.Info("resuming connection")
	m.startAttempt(token)
	return nil
}

// Reset tears everything down and mints a new session token: the channel
// is closed, the pending retry is cancelled, the attempt counter and
// errors are cleared and the OnReset hooks run. Timers scheduled under
// the old token become no-ops.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.token++
	token := m.token
	m.stopTimerLocked()
	m.attempts = 0
	m.err = nil
	m.lastErr = nil
	c := m.detachLocked()
	m.machine.Force(status.Disconnected)
	hooks := slices.Clone(m.onReset)
	m.mu.Unlock()

	if c != nil {
		_ = c.Close(transport.StatusNormal, "reset")
	}
	for _, h := range hooks {
		h()
	}
	m.log.Info("connection reset", zap.Uint64("token", token))
	m.opts.Bus.Emit(EventReset, token)
}

// Reconnect is Reset followed by Connect.
func (m *Manager) Reconnect() error {
	m.Reset()
	return m.Connect()
}

// Close shuts the manager down and waits for its goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimerLocked()
	c := m.detachLocked()
	m.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close(transport.StatusNormal, "client closing")
	}
	m.wg.Wait()
	m.machine.Force(status.Disconnected)
	return err
}

// State returns the connection state.
func (m *Manager) State() status.State { return m.machine.Current() }

// Token returns the current session token.
func (m *Manager) Token() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Attempts returns the number of reconnects scheduled since the last
// successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Err returns the terminal error (an *AuthError) or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Info returns a consistent snapshot.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		State:     m.machine.Current(),
		Token:     m.token,
		Attempts:  m.attempts,
		Err:       m.err,
		LastError: m.lastErr,
	}
}

// Send writes f to the open channel and reports true. When the channel is
// not open, the write fails, or older envelopes are still queued, a
// queueable frame goes to the outbox and Send reports false. Send never
// blocks waiting for a connection.
func (m *Manager) Send(f protocol.Frame) bool {
	data, err := protocol.Encode(f)
	if err != nil {
		m.log.Error("encode outbound frame", zap.Error(err))
		return false
	}
	t := f.FrameType()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	token, gen := m.token, m.active
	connected := m.conn != nil && m.machine.Current() == status.Connected
	m.mu.Unlock()

	ob := m.opts.Outbox
	queueable := t.Queueable() && ob != nil
	direct := connected && (!queueable || !ob.Busy())
	if direct {
		if err := m.write(context.Background(), token, gen, data); err == nil {
			return true
		}
	}
	if !queueable {
		m.log.Debug("dropping frame while disconnected", zap.String("type", string(t)))
		return false
	}
	ob.Enqueue(outbox.Envelope{
		Type:            t,
		ClientMessageID: protocol.ClientMessageID(f),
		Data:            data,
		Token:           token,
	})
	if connected && !direct {
		m.kickFlush(token, gen)
	}
	return false
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// detachLocked forgets the live channel and cancels its goroutines. The
// caller closes the returned conn outside the lock.
func (m *Manager) detachLocked() transport.Conn {
	c := m.conn
	m.conn = nil
	m.active = 0
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
		m.connCtx = nil
	}
	return c
}

func (m *Manager) startAttempt(token uint64) {
	m.mu.Lock()
	if m.closed || token != m.token || m.active != 0 {
		m.mu.Unlock()
		return
	}
	m.nextGen++
	gen := m.nextGen
	m.active = gen
	ctx, cancel := context.WithCancel(context.Background())
	m.connCtx, m.connCancel = ctx, cancel
	m.transition(status.Connecting)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, token, gen)
}

// scheduleLocked arms the single reconnect timer unless one is pending or
// the attempt cap is reached.
func (m *Manager) scheduleLocked(token uint64) {
	if m.timer != nil || m.closed {
		return
	}
	if m.opts.Backoff.Exhausted(m.attempts) {
		m.log.Warn("reconnect attempts exhausted", zap.Int("attempts", m.attempts))
		m.opts.Bus.Emit(EventRetriesExhausted, m.attempts)
		return
	}
	delay := m.opts.Backoff.Delay(m.attempts)
	m.attempts++
	attempt := m.attempts
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timer != timer || m.token != token || m.closed {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.mu.Unlock()
		m.startAttempt(token)
	})
	m.timer = timer
	m.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.opts.Bus.Emit(EventRetryScheduled, RetryInfo{Attempt: attempt, Delay: delay, Token: token})
}

// teardown drops the live channel after a transport failure and, when
// retry is set, schedules a reconnect. Stale callers are ignored.
func (m *Manager) teardown(token, gen uint64, cause error, retry bool, code int) {
	m.mu.Lock()
	if !m.current(token, gen) {
		m.mu.Unlock()
		return
	}
	c := m.detachLocked()
	m.lastErr = cause
	m.transition(status.Disconnected)
	if retry {
		m.scheduleLocked(token)
	}
	m.mu.Unlock()

	m.log.Warn("channel lost", zap.Error(cause), zap.Bool("retry", retry))
	if c != nil {
		_ = c.Close(code, "")
	}
}

func (m *Manager) rejected(token, gen uint64, reason string) {
	m.mu.Lock()
	if !m.current(token, gen) {
		m.mu.Unlock()
		return
	}
	c := m.detachLocked()
	authErr := &AuthError{Reason: reason}
	m.err = authErr
	m.transition(status.Error)
	m.mu.Unlock()

	m.log.Error("authentication rejected", zap.String("reason", reason))
	if c != nil {
		_ = c.Close(transport.StatusNormal, "auth rejected")
	}
	m.opts.Bus.Emit(EventAuthRejected, authErr)
}

func (m *Manager) authenticated(ctx context.Context, token, gen uint64) {
	m.mu.Lock()
	if !m.current(token, gen) || m.machine.Current() != status.Connecting {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.err = nil
	m.lastErr = nil
	m.lastPong = m.now()
	m.transition(status.Connected)
	m.wg.Add(2)
	m.mu.Unlock()

	m.log.Info("connected", zap.Uint64("token", token))
	go m.heartbeat(ctx, token, gen)
	go func() {
		defer m.wg.Done()
		m.flush(ctx, token, gen)
	}()
}

func (m *Manager) run(ctx context.Context, token, gen uint64) {
	defer m.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	c, err := m.opts.Dialer.Dial(dialCtx, m.opts.URL)
	cancel()
	if err != nil {
		m.teardown(token, gen, err, true, transport.StatusNormal)
		return
	}

	m.mu.Lock()
	if !m.current(token, gen) {
		m.mu.Unlock()
		_ = c.Close(transport.StatusNormal, "stale")
		return
	}
	m.conn = c
	m.mu.Unlock()

	auth, err := protocol.Encode(&protocol.Auth{UserID: protocol.ID(m.opts.UserID), Token: m.opts.Token})
	if err != nil {
		m.teardown(token, gen, err, false, transport.StatusNormal)
		return
	}
	if err := m.write(ctx, token, gen, auth); err != nil {
		return
	}
	authTimer := time.AfterFunc(m.opts.AuthTimeout, func() {
		m.teardown(token, gen, ErrAuthTimeout, true, closeAuthTimeout)
	})
	defer authTimer.Stop()

	for {
		data, err := c.Read(ctx)
		if err != nil {
			retry := transport.CloseCode(err) != transport.StatusNormal
			m.teardown(token, gen, err, retry, transport.StatusNormal)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			if m.opts.OnDecodeError != nil {
				m.opts.OnDecodeError(err)
			} else {
				m.log.Warn("undecodable frame", zap.Error(err))
			}
			continue
		}

		terminal := false
		switch fr := f.(type) {
		case *protocol.AuthSuccess:
			authTimer.Stop()
			m.authenticated(ctx, token, gen)
		case *protocol.AuthError:
			authTimer.Stop()
			m.rejected(token, gen, fr.Error)
			terminal = true
		case *protocol.Pong:
			m.mu.Lock()
			if m.current(token, gen) {
				m.lastPong = m.now()
			}
			m.mu.Unlock()
		}
		if m.opts.OnFrame != nil {
			m.opts.OnFrame(f)
		}
		if terminal {
			return
		}
	}
}

// write sends data on the channel identified by (token, gen). A failed
// write tears the channel down and schedules a reconnect.
func (m *Manager) write(ctx context.Context, token, gen uint64, data []byte) error {
	m.mu.Lock()
	if !m.current(token, gen) || m.conn == nil {
		m.mu.Unlock()
		return errNotConnected
	}
	c := m.conn
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.Write(ctx, data); err != nil {
		m.teardown(token, gen, fmt.Errorf("write: %w", err), true, transport.StatusNormal)
		return err
	}
	return nil
}

func (m *Manager) kickFlush(token, gen uint64) {
	m.mu.Lock()
	if !m.current(token, gen) || m.connCtx == nil {
		m.mu.Unlock()
		return
	}
	ctx := m.connCtx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.flush(ctx, token, gen)
	}()
}

// flush drains the outbox over the live channel. It loops because an
// envelope enqueued while another flush was finishing is left to us.
func (m *Manager) flush(ctx context.Context, token, gen uint64) {
	ob := m.opts.Outbox
	if ob == nil {
		return
	}
	for {
		n, err := ob.Flush(ctx, func(ctx context.Context, env outbox.Envelope) error {
			return m.write(ctx, token, gen, env.Data)
		})
		if n > 0 {
			m.log.Info("outbox flushed", zap.Int("sent", n))
		}
		if err != nil || ob.Len() == 0 {
			return
		}
		m.mu.Lock()
		live := m.current(token, gen)
		m.mu.Unlock()
		if !live {
			return
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, token, gen uint64) {
	defer m.wg.Done()
	interval := m.opts.HeartbeatInterval
	limit := time.Duration(m.opts.MissedPongs) * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if !m.current(token, gen) {
			m.mu.Unlock()
			return
		}
		last := m.lastPong
		m.mu.Unlock()

		if m.now().Sub(last) >= limit {
			m.teardown(token, gen, ErrZombie, true, closeZombie)
			return
		}
		ping, _ := protocol.Encode(&protocol.Ping{Timestamp: m.now().UnixMilli()})
		if err := m.write(ctx, token, gen, ping); err != nil {
			return
		}
	}
}
