package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// WSDialer dials the relay's websocket endpoint, passing the token as access_token.
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

func (d *WSDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", creds.Token)
	u.RawQuery = q.Encode()

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial relay: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &wsConn{
		conn:   conn,
		send:   make(chan models.Envelope, sendBuffer),
		events: make(chan models.Envelope, sendBuffer),
		done:   make(chan struct{}),
		log:    d.Logger.With().Str("user_id", creds.UserID).Logger(),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan models.Envelope
	events chan models.Envelope
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger

	mu    sync.Mutex
	err   error
	local bool
}

func (c *wsConn) Events() <-chan models.Envelope { return c.events }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Send(ctx context.Context, env models.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	c.local = true
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.finish(nil)
	return nil
}

func (c *wsConn) finish(err error) {
	c.mu.Lock()
	if c.err == nil && !c.local {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump decodes frames into events. Undecodable frames are logged and skipped.
func (c *wsConn) readPump() {
	defer close(c.events)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(classify(err))
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if env.Event == models.EventDisconnect && env.Reason == models.ReasonServerDisconnect {
			c.finish(ErrServerDisconnect)
			return
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.finish(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.finish(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func classify(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == models.CloseSessionRevoked {
		return ErrServerDisconnect
	}
	return err
}
