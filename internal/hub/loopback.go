package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chatsync/internal/models"
	"chatsync/internal/transport"

	"github.com/google/uuid"
)

const loopbackBuffer = 256

var errPeerFull = errors.New("peer buffer full")

// Authenticator resolves a bearer token to a user.
type Authenticator func(token string) (userID, username string, err error)

// Loopback dials the hub in-process. It backs the offline demo and tests; the wire
// relay uses the websocket handler instead.
type Loopback struct {
	hub  *Hub
	auth Authenticator
}

// NewLoopback trusts the credentials it is given when auth is nil.
func NewLoopback(h *Hub, auth Authenticator) *Loopback {
	return &Loopback{hub: h, auth: auth}
}

func (l *Loopback) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	userID, username := creds.UserID, creds.DisplayName
	if l.auth != nil {
		var err error
		userID, username, err = l.auth(creds.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", transport.ErrUnauthorized, err)
		}
	}
	p := &loopPeer{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		hub:      l.hub,
		events:   make(chan models.Envelope, loopbackBuffer),
	}
	l.hub.Register(ctx, p)
	return &loopConn{peer: p}, nil
}

// loopPeer is the hub's end of an in-process connection.
type loopPeer struct {
	id       string
	userID   string
	username string
	hub      *Hub
	events   chan models.Envelope

	mu     sync.Mutex
	closed bool
	err    error
}

func (p *loopPeer) ID() string       { return p.id }
func (p *loopPeer) UserID() string   { return p.userID }
func (p *loopPeer) Username() string { return p.username }

// Send delivers a hub event to the client side.
func (p *loopPeer) Send(env models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	select {
	case p.events <- env:
		return nil
	default:
		return errPeerFull
	}
}

// Close is called by the hub, e.g. on revocation.
func (p *loopPeer) Close(code int, reason string) error {
	var err error
	if code == models.CloseSessionRevoked {
		err = transport.ErrServerDisconnect
	} else if code != 0 {
		err = fmt.Errorf("closed by relay: %d %s", code, reason)
	}
	if p.finish(err) {
		p.hub.Unregister(context.Background(), p.id)
	}
	return nil
}

func (p *loopPeer) finish(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.err = err
	close(p.events)
	return true
}

func (p *loopPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// loopConn is the client's end.
type loopConn struct {
	peer *loopPeer
}

var _ transport.Conn = (*loopConn)(nil)

func (c *loopConn) Send(ctx context.Context, env models.Envelope) error {
	if c.peer.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.peer.hub.HandleEvent(ctx, c.peer.id, env)
	return nil
}

func (c *loopConn) Events() <-chan models.Envelope { return c.peer.events }

func (c *loopConn) Err() error {
	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()
	return c.peer.err
}

func (c *loopConn) Close() error {
	if c.peer.finish(nil) {
		c.peer.hub.Unregister(context.Background(), c.peer.id)
	}
	return nil
}
