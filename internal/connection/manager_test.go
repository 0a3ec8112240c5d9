package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	events chan models.Envelope
	once   sync.Once

	mu   sync.Mutex
	err  error
	sent []models.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan models.Envelope, 16)}
}

func (c *fakeConn) Send(_ context.Context, env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Events() <-chan models.Envelope { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.end(nil)
	return nil
}

func (c *fakeConn) end(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.events)
	})
}

func (c *fakeConn) Sent() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Envelope(nil), c.sent...)
}

// scriptDialer fails the first `failures` dials, then hands out fresh conns.
type scriptDialer struct {
	mu       sync.Mutex
	failures int
	err      error
	dials    int
	conns    []*fakeConn
}

func (d *scriptDialer) Dial(_ context.Context, _ transport.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *scriptDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *scriptDialer) Conns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func fastConfig() Config {
	return Config{
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: 3,
		DialTimeout: time.Second,
	}
}

var alice = transport.Credentials{UserID: "u-alice", DisplayName: "alice", Token: "tok"}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, cfg.Backoff(i), "attempt %d", i)
	}
}

func TestConnectDispatchesEvents(t *testing.T) {
	d := &scriptDialer{}
	m := New(d, WithConfig(fastConfig()))
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), alice))
	assert.Equal(t, Connected, m.State())

	got := make(chan models.Envelope, 4)
	off := m.On(models.EventUserTyping, func(env models.Envelope) { got <- env })

	d.Last().events <- models.Envelope{Event: models.EventUserTyping, UserID: "u-bob", IsTyping: true}
	select {
	case env := <-got:
		assert.Equal(t, "u-bob", env.UserID)
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}

	off()
	d.Last().events <- models.Envelope{Event: models.EventUserTyping, UserID: "u-carol"}
	d.Last().events <- models.Envelope{Event: models.EventHeartbeat}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got)
}

func TestEmit(t *testing.T) {
	d := &scriptDialer{}
	m := New(d, WithConfig(fastConfig()))

	err := m.Emit(context.Background(), models.EventTyping, models.Envelope{})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), alice))
	defer m.Disconnect()

	require.NoError(t, m.Emit(context.Background(), models.EventJoinChat, models.Envelope{ChatID: "c1"}))
	sent := d.Last().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventJoinChat, sent[0].Event)
	assert.Equal(t, "c1", sent[0].ChatID)
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	d := &scriptDialer{}
	m := New(d, WithConfig(fastConfig()))
	defer m.Disconnect()

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), alice))
	d.Last().end(errors.New("network reset"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Connected, Connecting, Connected}, states)
	assert.NoError(t, m.Err())
}

func TestDropIsVisibleDuringBackoff(t *testing.T) {
	d := &scriptDialer{}
	cfg := fastConfig()
	cfg.BaseDelay = 500 * time.Millisecond
	cfg.MaxDelay = time.Second
	m := New(d, WithConfig(cfg))
	defer m.Disconnect()

	changed := make(chan State, 8)
	require.NoError(t, m.Connect(context.Background(), alice))
	m.OnStateChange(func(s State) { changed <- s })
	d.Last().end(errors.New("network dropped"))

	select {
	case s := <-changed:
		assert.Equal(t, Connecting, s)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("drop not reported before the backoff elapsed")
	}
	assert.Equal(t, Connecting, m.State())
	assert.Equal(t, 1, d.Dials())
	assert.ErrorIs(t, m.Emit(context.Background(), models.EventTyping, models.Envelope{}), ErrNotConnected)

	require.Eventually(t, func() bool { return m.State() == Connected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.Dials())
}

func TestServerDisconnectIsTerminal(t *testing.T) {
	d := &scriptDialer{}
	m := New(d, WithConfig(fastConfig()))

	require.NoError(t, m.Connect(context.Background(), alice))
	d.Last().end(transport.ErrServerDisconnect)

	require.Eventually(t, func() bool { return m.State() == Disconnected }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.ErrorIs(t, m.Err(), transport.ErrServerDisconnect)

	require.NoError(t, m.Connect(context.Background(), alice))
	assert.Equal(t, 2, d.Dials())
	m.Disconnect()
}

func TestRetryBudgetExhausted(t *testing.T) {
	d := &scriptDialer{failures: -1, err: errors.New("connection refused")}
	m := New(d, WithConfig(fastConfig()))

	err := m.Connect(context.Background(), alice)
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, Disconnected, m.State())
	assert.ErrorIs(t, m.Err(), ErrTransportUnavailable)
	// initial dial plus MaxAttempts retries
	assert.Equal(t, 4, d.Dials())
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	d := &scriptDialer{failures: -1, err: transport.ErrUnauthorized}
	m := New(d, WithConfig(fastConfig()))

	err := m.Connect(context.Background(), alice)
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Equal(t, 1, d.Dials())
}

func TestSuccessResetsBudget(t *testing.T) {
	d := &scriptDialer{failures: 2, err: errors.New("refused")}
	m := New(d, WithConfig(fastConfig()))
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), alice))

	d.mu.Lock()
	d.failures = 2
	d.mu.Unlock()
	d.Last().end(errors.New("dropped"))

	// the earlier failures were forgotten, so the third retry after the drop is allowed
	require.Eventually(t, func() bool { return d.Conns() == 2 && m.State() == Connected },
		time.Second, time.Millisecond)
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	d := &scriptDialer{}
	m := New(d, WithConfig(fastConfig()))

	require.NoError(t, m.Connect(context.Background(), alice))
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.NoError(t, m.Err())

	m.Disconnect()
}
