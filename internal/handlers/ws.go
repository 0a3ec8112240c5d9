package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatsync/internal/hub"
	"chatsync/internal/models"
	"chatsync/internal/services"
	"chatsync/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	errPeerClosed = errors.New("peer closed")
	errPeerSlow   = errors.New("peer send buffer full")
)

// wsPeer is one websocket client. All writes go through writePump.
type wsPeer struct {
	id       string
	userID   string
	username string
	conn     *websocket.Conn
	send     chan models.Envelope
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
	log      zerolog.Logger

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func (p *wsPeer) ID() string       { return p.id }
func (p *wsPeer) UserID() string   { return p.userID }
func (p *wsPeer) Username() string { return p.username }

func (p *wsPeer) Send(env models.Envelope) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- env:
		return nil
	case <-p.done:
		return errPeerClosed
	default:
		return errPeerSlow
	}
}

// Close asks the write pump to flush, send a close frame and drop the socket.
func (p *wsPeer) Close(code int, reason string) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeCode, p.closeReason = code, reason
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
		close(p.stopped)
	}()
	for {
		select {
		case env := <-p.send:
			if err := utils.SendJSON(p.conn, env, writeWait); err != nil {
				p.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-p.done:
			p.flush()
			p.mu.Lock()
			code, reason := p.closeCode, p.closeReason
			p.mu.Unlock()
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		}
	}
}

// flush drains queued events so a revoked client still sees the disconnect event.
func (p *wsPeer) flush() {
	for {
		select {
		case env := <-p.send:
			if err := utils.SendJSON(p.conn, env, writeWait); err != nil {
				return
			}
		default:
			return
		}
	}
}

// WebSocketHandler bridges an authenticated websocket to the hub.
func WebSocketHandler(h *hub.Hub, log zerolog.Logger) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		// Retrieve user info from locals (set by middleware)
		userID, _ := c.Locals("user_id").(string)
		username, _ := c.Locals("username").(string)
		ctx := context.Background()

		p := &wsPeer{
			id:       uuid.NewString(),
			userID:   userID,
			username: username,
			conn:     c,
			send:     make(chan models.Envelope, sendBuffer),
			done:     make(chan struct{}),
			stopped:  make(chan struct{}),
			log:      log.With().Str("user_id", userID).Logger(),
		}
		p.log = p.log.With().Str("conn_id", p.id).Logger()

		h.Register(ctx, p)
		go p.writePump()
		defer func() {
			h.Unregister(ctx, p.id)
			p.Close(websocket.CloseNormalClosure, "")
			<-p.stopped
		}()

		c.SetReadLimit(maxMessageSize)
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					p.log.Warn().Err(err).Msg("websocket read failed")
				}
				return
			}
			env, err := utils.DecodeEnvelope(msg)
			if err != nil {
				p.log.Debug().Err(err).Msg("dropping frame")
				continue
			}
			h.HandleEvent(ctx, p.id, env)
		}
	})
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// AuthMiddleware verifies the access token from `access_token` or a Bearer header.
func AuthMiddleware(tokens *services.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("access_token")
		if token == "" {
			if auth := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "missing token")
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals("user_id", claims.UserID)
		c.Locals("username", claims.Username)
		return c.Next()
	}
}

func currentUser(c *fiber.Ctx) (string, string) {
	id, _ := c.Locals("user_id").(string)
	name, _ := c.Locals("username").(string)
	return id, name
}
