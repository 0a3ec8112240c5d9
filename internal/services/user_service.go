package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/models"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("username already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("username and password are required")
)

const defaultSearchLimit = 10

// UserRepository persists relay accounts.
type UserRepository interface {
	Create(ctx context.Context, username, passwordHash string) (*models.User, error)
	ByUsername(ctx context.Context, username string) (*models.User, error)
	ByID(ctx context.Context, id string) (*models.User, error)
	SetPasswordHash(ctx context.Context, id, passwordHash string) error
	List(ctx context.Context) ([]models.User, error)
	Search(ctx context.Context, query string, limit int) ([]models.User, error)
}

type UserService struct {
	users  UserRepository
	tokens *Tokens
	cost   int
}

type UserOption func(*UserService)

// WithBcryptCost lowers the hashing cost, for tests.
func WithBcryptCost(cost int) UserOption {
	return func(s *UserService) { s.cost = cost }
}

func NewUserService(users UserRepository, tokens *Tokens, opts ...UserOption) *UserService {
	s := &UserService{users: users, tokens: tokens, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *UserService) Tokens() *Tokens { return s.tokens }

func (s *UserService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, ErrInvalidInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return s.users.Create(ctx, username, string(hash))
}

func (s *UserService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	user, err := s.users.ByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(user.ID, user.Username)
}

// Refresh exchanges a refresh token for a new token pair.
func (s *UserService) Refresh(refreshToken string) (*models.AuthResponse, error) {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	return s.issue(claims.UserID, claims.Username)
}

func (s *UserService) issue(userID, username string) (*models.AuthResponse, error) {
	access, err := s.tokens.GenerateJWT(userID, username)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.GenerateRefreshToken(userID, username)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{
		Token:        access,
		RefreshToken: refresh,
		Username:     username,
		UserID:       userID,
	}, nil
}

func (s *UserService) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.users.List(ctx)
}

// SearchUsers matches usernames by case-insensitive substring.
func (s *UserService) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return s.users.Search(ctx, strings.TrimSpace(query), limit)
}

// Profile returns the account without its password hash.
func (s *UserService) Profile(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = ""
	return user, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *UserService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	if req.NewPassword == "" {
		return ErrInvalidInput
	}
	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.users.SetPasswordHash(ctx, userID, string(hash))
}
