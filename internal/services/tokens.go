package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

// Claims is what the relay needs back from a token.
type Claims struct {
	UserID   string
	Username string
}

// Tokens signs and validates HS256 access and refresh tokens.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokens(secret string, accessTTL, refreshTTL time.Duration) *Tokens {
	return &Tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (t *Tokens) GenerateJWT(userID, username string) (string, error) {
	return t.sign(userID, username, tokenAccess, t.accessTTL)
}

func (t *Tokens) GenerateRefreshToken(userID, username string) (string, error) {
	return t.sign(userID, username, tokenRefresh, t.refreshTTL)
}

func (t *Tokens) ValidateToken(token string) (Claims, error) {
	return t.validate(token, tokenAccess)
}

func (t *Tokens) ValidateRefreshToken(token string) (Claims, error) {
	return t.validate(token, tokenRefresh)
}

func (t *Tokens) sign(userID, username, typ string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"typ":      typ,
		"exp":      t.now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

func (t *Tokens) validate(tokenString, typ string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if got, _ := claims["typ"].(string); got != typ {
		return Claims{}, fmt.Errorf("%w: not a %s token", ErrInvalidToken, typ)
	}
	uid, _ := claims["user_id"].(string)
	if uid == "" {
		return Claims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	name, _ := claims["username"].(string)
	return Claims{UserID: uid, Username: name}, nil
}
