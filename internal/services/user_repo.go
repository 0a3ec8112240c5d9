package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PgUsers is the Postgres UserRepository.
type PgUsers struct {
	pool *pgxpool.Pool
}

func NewPgUsers(pool *pgxpool.Pool) *PgUsers {
	return &PgUsers{pool: pool}
}

func (r *PgUsers) Create(ctx context.Context, username, passwordHash string) (*models.User, error) {
	var user models.User
	query := `INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) RETURNING id, username, created_at`
	err := r.pool.QueryRow(ctx, query, uuid.NewString(), username, passwordHash).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &user, nil
}

func (r *PgUsers) ByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	query := `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`
	err := r.pool.QueryRow(ctx, query, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &user, nil
}

func (r *PgUsers) ByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	query := `SELECT id, username, password_hash, created_at FROM users WHERE id = $1`
	err := r.pool.QueryRow(ctx, query, id).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &user, nil
}

func (r *PgUsers) SetPasswordHash(ctx context.Context, id, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PgUsers) List(ctx context.Context) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, username, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return collectUsers(rows)
}

func (r *PgUsers) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, created_at FROM users WHERE username ILIKE '%' || $1 || '%' ORDER BY username LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]models.User, error) {
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// MemoryUsers keeps accounts in process. Used by tests and the demo relay.
type MemoryUsers struct {
	mu         sync.Mutex
	byUsername map[string]models.User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{byUsername: make(map[string]models.User)}
}

func (r *MemoryUsers) Create(_ context.Context, username, passwordHash string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUsername[username]; ok {
		return nil, ErrUserExists
	}
	u := models.User{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	r.byUsername[username] = u
	out := u
	out.PasswordHash = ""
	return &out, nil
}

func (r *MemoryUsers) ByUsername(_ context.Context, username string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *MemoryUsers) ByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byUsername {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryUsers) SetPasswordHash(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, u := range r.byUsername {
		if u.ID == id {
			u.PasswordHash = passwordHash
			r.byUsername[name] = u
			return nil
		}
	}
	return ErrUserNotFound
}

func (r *MemoryUsers) List(ctx context.Context) ([]models.User, error) {
	return r.Search(ctx, "", 0)
}

func (r *MemoryUsers) Search(_ context.Context, query string, limit int) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := strings.ToLower(query)
	var out []models.User
	for _, u := range r.byUsername {
		if q != "" && !strings.Contains(strings.ToLower(u.Username), q) {
			continue
		}
		u.PasswordHash = ""
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
