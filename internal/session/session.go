// Package session provides the signed-in identity and ties its lifetime to the
// realtime connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsync/internal/connection"
	"chatsync/internal/models"
	"chatsync/internal/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrLoginRejected = errors.New("login rejected")
	ErrSignedOut     = errors.New("not signed in")
)

type Session struct {
	UserID      string
	DisplayName string
	Token       string
}

func (s Session) Credentials() transport.Credentials {
	return transport.Credentials{UserID: s.UserID, DisplayName: s.DisplayName, Token: s.Token}
}

// FromToken reads the identity out of a relay token. The signature is checked by the
// relay on connect, not here.
func FromToken(token string) (Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	uid, _ := claims["user_id"].(string)
	if uid == "" {
		return Session{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return Session{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	name, _ := claims["username"].(string)
	if name == "" {
		name = uid
	}
	return Session{UserID: uid, DisplayName: name, Token: token}, nil
}

// Login exchanges credentials for a token at the relay's HTTP API.
func Login(baseURL, username, password string) (Session, error) {
	return authenticate(strings.TrimRight(baseURL, "/")+"/api/login", username, password)
}

// Register creates the account and signs in.
func Register(baseURL, username, password string) (Session, error) {
	agent := fiber.Post(strings.TrimRight(baseURL, "/") + "/api/register").
		Timeout(10 * time.Second).
		JSON(models.RegisterRequest{Username: username, Password: password})
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return Session{}, fmt.Errorf("register: %w", errors.Join(errs...))
	}
	if code != fiber.StatusCreated {
		return Session{}, fmt.Errorf("%w: register status %d: %s", ErrLoginRejected, code, body)
	}
	return Login(baseURL, username, password)
}

func authenticate(url, username, password string) (Session, error) {
	var res models.AuthResponse
	agent := fiber.Post(url).
		Timeout(10 * time.Second).
		JSON(models.LoginRequest{Username: username, Password: password})
	code, body, errs := agent.Struct(&res)
	if len(errs) > 0 {
		if code != fiber.StatusOK {
			return Session{}, fmt.Errorf("%w: status %d: %s", ErrLoginRejected, code, body)
		}
		return Session{}, fmt.Errorf("login: %w", errors.Join(errs...))
	}
	if code != fiber.StatusOK {
		return Session{}, fmt.Errorf("%w: status %d: %s", ErrLoginRejected, code, body)
	}
	return Session{UserID: res.UserID, DisplayName: res.Username, Token: res.Token}, nil
}

// Provider holds the current session. Signing in opens the connection manager and
// signing out closes it.
type Provider struct {
	conn *connection.Manager

	mu      sync.Mutex
	current *Session
}

func NewProvider(conn *connection.Manager) *Provider {
	return &Provider{conn: conn}
}

func (p *Provider) SignIn(ctx context.Context, s Session) error {
	p.mu.Lock()
	p.current = &s
	p.mu.Unlock()
	if err := p.conn.Connect(ctx, s.Credentials()); err != nil {
		return fmt.Errorf("sign in %s: %w", s.UserID, err)
	}
	return nil
}

func (p *Provider) SignOut() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.conn.Disconnect()
}

func (p *Provider) Current() (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Session{}, ErrSignedOut
	}
	return *p.current, nil
}
