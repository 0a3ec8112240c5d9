package session

import (
	"net"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("any-secret"))
	require.NoError(t, err)
	return tok
}

func TestFromToken(t *testing.T) {
	tok := sign(t, jwt.MapClaims{
		"user_id":  "u-alice",
		"username": "alice",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	s, err := FromToken(tok)
	require.NoError(t, err)
	assert.Equal(t, Session{UserID: "u-alice", DisplayName: "alice", Token: tok}, s)
	assert.Equal(t, "u-alice", s.Credentials().UserID)
	assert.Equal(t, tok, s.Credentials().Token)
}

func TestFromTokenRejects(t *testing.T) {
	cases := map[string]string{
		"garbage":      "not.a.jwt",
		"no user":      sign(t, jwt.MapClaims{"username": "alice"}),
		"numeric user": sign(t, jwt.MapClaims{"user_id": 7}),
		"expired":      sign(t, jwt.MapClaims{"user_id": "u-alice", "exp": time.Now().Add(-time.Minute).Unix()}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromToken(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestFromTokenFallsBackToUserID(t *testing.T) {
	s, err := FromToken(sign(t, jwt.MapClaims{"user_id": "u-bob"}))
	require.NoError(t, err)
	assert.Equal(t, "u-bob", s.DisplayName)
}

func startRelay(t *testing.T) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/api/login", func(c *fiber.Ctx) error {
		var req models.LoginRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
		}
		if req.Password != "hunter2" {
			return c.Status(401).JSON(fiber.Map{"error": "invalid credentials"})
		}
		return c.JSON(models.AuthResponse{Token: "tok-" + req.Username, Username: req.Username, UserID: "u-" + req.Username})
	})
	app.Post("/api/register", func(c *fiber.Ctx) error {
		return c.Status(201).JSON(fiber.Map{"id": "u-new"})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func TestLogin(t *testing.T) {
	base := startRelay(t)

	s, err := Login(base, "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, Session{UserID: "u-alice", DisplayName: "alice", Token: "tok-alice"}, s)

	_, err = Login(base+"/", "alice", "wrong")
	assert.ErrorIs(t, err, ErrLoginRejected)

	s, err = Register(base, "carol", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "u-carol", s.UserID)
}
