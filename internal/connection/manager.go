// Package connection owns the single realtime transport connection of a session,
// reconnecting with capped exponential backoff and fanning transport events out
// to subscribers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/transport"

	"github.com/rs/zerolog"
)

// Errors returned by Connect and Emit.
var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrNotConnected         = errors.New("not connected")
)

// State is the lifecycle of the session connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var allStates = []State{Disconnected, Connecting, Connected}

// Config bounds dialing and the reconnect backoff.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
}

// DefaultConfig backs off from 1s to 30s over at most five attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		DialTimeout: 5 * time.Second,
	}
}

// Backoff returns min(base * 2^attempt, cap).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Handler receives one inbound event.
type Handler func(models.Envelope)

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the manager's logger. The default discards.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns the single connection of a session and redials it with backoff.
type Manager struct {
	dialer transport.Dialer
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	creds    transport.Credentials
	conn     transport.Conn
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
	nextID   int
	handlers map[string][]handlerEntry
	watchers []watcherEntry
}

type handlerEntry struct {
	id int
	h  Handler
}

type watcherEntry struct {
	id int
	fn func(State)
}

// New returns a disconnected manager that dials through dialer.
func New(dialer transport.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:   dialer,
		cfg:      DefaultConfig(),
		log:      zerolog.Nop(),
		handlers: make(map[string][]handlerEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the reason the manager last stopped: ErrTransportUnavailable once the
// reconnect budget is spent, or transport.ErrServerDisconnect after revocation.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) Credentials() transport.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Connect opens the session connection and blocks until the first dial succeeds or
// the reconnect budget is exhausted. Reconnects after that happen in the background.
func (m *Manager) Connect(ctx context.Context, creds transport.Credentials) error {
	m.mu.Lock()
	if m.cancel != nil && m.creds == creds && m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.Disconnect()

	loopCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	done := make(chan struct{})

	m.mu.Lock()
	m.creds = creds
	m.lastErr = nil
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(loopCtx, creds, first, done)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		m.Disconnect()
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	m.setState(Disconnected)
}

// Emit sends one event on the live connection.
func (m *Manager) Emit(ctx context.Context, event string, env models.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env.Event = event
	if err := conn.Send(ctx, env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// On registers a handler for an inbound event type and returns its removal func.
// Handlers run on the connection goroutine in emission order and must not call
// Connect or Disconnect.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, h: h})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		hs := m.handlers[event]
		for i, e := range hs {
			if e.id == id {
				m.handlers[event] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers = append(m.watchers, watcherEntry{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w.id == id {
				m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) run(ctx context.Context, creds transport.Credentials, first chan<- error, done chan struct{}) {
	defer close(done)

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}
	defer report(ErrNotConnected)

	retries := 0
	var delay time.Duration
	for {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			metrics.ReconnectAttempts.Inc()
		}

		m.setState(Connecting)
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		conn, err := m.dialer.Dial(dctx, creds)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if retries >= m.cfg.MaxAttempts || errors.Is(err, transport.ErrUnauthorized) {
				m.park(fmt.Errorf("%w: %w", ErrTransportUnavailable, err))
				report(m.Err())
				return
			}
			delay = m.cfg.Backoff(retries)
			retries++
			m.log.Warn().Err(err).Int("attempt", retries).Dur("delay", delay).Msg("dial failed, retrying")
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.lastErr = nil
		m.mu.Unlock()

		retries = 0
		m.setState(Connected)
		m.log.Info().Str("user_id", creds.UserID).Msg("transport connected")
		report(nil)

		for env := range conn.Events() {
			m.dispatch(env)
		}
		reason := conn.Err()

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if errors.Is(reason, transport.ErrServerDisconnect) {
			m.log.Info().Msg("server ended the session, not reconnecting")
			m.park(reason)
			return
		}
		delay = m.cfg.Backoff(retries)
		retries++
		m.log.Warn().Err(reason).Dur("delay", delay).Msg("transport closed unexpectedly")
		// watchers see the drop now, not when the backoff timer fires
		m.setState(Connecting)
	}
}

func (m *Manager) park(err error) {
	m.mu.Lock()
	m.lastErr = err
	cancel := m.cancel
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.setState(Disconnected)
}

func (m *Manager) dispatch(env models.Envelope) {
	m.mu.Lock()
	hs := append([]handlerEntry(nil), m.handlers[env.Event]...)
	m.mu.Unlock()
	for _, e := range hs {
		e.h(env)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	ws := append([]watcherEntry(nil), m.watchers...)
	m.mu.Unlock()

	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.ConnectionState.WithLabelValues(st.String()).Set(v)
	}
	for _, w := range ws {
		w.fn(s)
	}
}
