// Package postgres is the durable Store on PostgreSQL. The change feed is built on
// LISTEN/NOTIFY: a trigger announces every row change on messages and the store
// re-reads the row before fanning it out to subscribers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	notifyChannel = "chatsync_messages"
	feedBuffer    = 256
)

const messageColumns = `id, client_id, conversation_id, sender_id, sender_name, content, kind,
	file_url, file_name, file_size, read_by, created_at, edited_at`

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRetryDelay sets the pause between listener reconnects.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) { s.retryDelay = d }
}

type Store struct {
	pool       *pgxpool.Pool
	log        zerolog.Logger
	retryDelay time.Duration

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	listenOnce sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		log:        zerolog.Nop(),
		retryDelay: time.Second,
		subs:       make(map[int]*subscriber),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops the change feed listener. The pool is owned by the caller.
func (s *Store) Close() {
	s.mu.Lock()
	cancel := s.cancel
	subs := s.subs
	s.subs = make(map[int]*subscriber)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	if cancel != nil {
		cancel()
		<-s.done
	}
}

func (s *Store) FetchSnapshot(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	if in.ConversationID == "" || in.SenderID == "" {
		return nil, fmt.Errorf("insert message: conversation and sender are required")
	}
	kind := in.Kind
	if kind == "" {
		kind = models.KindText
	}
	var fileURL, fileName *string
	var fileSize *int64
	if in.File != nil {
		fileURL, fileName, fileSize = &in.File.URL, &in.File.Name, &in.File.Size
	}
	var clientID *string
	if in.ClientID != "" {
		clientID = &in.ClientID
	}

	// A retried write with the same correlation id hits the unique index and
	// returns the existing row.
	query := `INSERT INTO messages (id, client_id, conversation_id, sender_id, sender_name, content, kind,
			file_url, file_name, file_size, read_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, ARRAY[$4::text])
		ON CONFLICT (conversation_id, client_id) DO NOTHING
		RETURNING ` + messageColumns
	row := s.pool.QueryRow(ctx, query, uuid.NewString(), clientID, in.ConversationID, in.SenderID,
		in.SenderName, in.Content, string(kind), fileURL, fileName, fileSize)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) && clientID != nil {
		row = s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND client_id = $2`, in.ConversationID, in.ClientID)
		m, err = scanMessage(row)
	}
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, senderID string, patch models.MessagePatch) error {
	edited := time.Now().UTC()
	if patch.EditedAt != nil {
		edited = patch.EditedAt.UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = COALESCE($3, content), edited_at = $4 WHERE id = $1 AND sender_id = $2`,
		patch.ID, senderID, patch.Content, edited)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrForbidden(ctx, patch.ID)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, senderID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1 AND sender_id = $2`, id, senderID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrForbidden(ctx, id)
	}
	return nil
}

func (s *Store) missingOrForbidden(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	if exists {
		return store.ErrForbidden
	}
	return store.ErrNotFound
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE messages
		SET read_by = (SELECT array_agg(u ORDER BY u) FROM unnest(array_append(read_by, $2::text)) AS u)
		WHERE conversation_id = $1 AND id = ANY($3) AND NOT ($2 = ANY(read_by))`,
		conversationID, userID, ids)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	query := `SELECT c.id, c.kind, c.display_name, c.created_at,
			(SELECT array_agg(p2.user_id ORDER BY p2.joined_at, p2.user_id)
				FROM conversation_participants p2 WHERE p2.conversation_id = c.id),
			lm.content, lm.kind, lm.file_name, lm.created_at,
			(SELECT count(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND NOT ($1 = ANY(m.read_by)))
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT content, kind, file_name, created_at FROM messages
			WHERE conversation_id = c.id ORDER BY created_at DESC, id DESC LIMIT 1
		) lm ON true`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var (
			c                     models.Conversation
			kind                  string
			lastContent, lastKind *string
			lastFile              *string
			lastAt                *time.Time
			unread                int
		)
		if err := rows.Scan(&c.ID, &kind, &c.DisplayName, &c.CreatedAt, &c.ParticipantIDs,
			&lastContent, &lastKind, &lastFile, &lastAt, &unread); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Kind = models.ConversationKind(kind)
		c.UnreadCount = unread
		if lastAt != nil {
			last := models.Message{Content: deref(lastContent), Kind: models.MessageKind(deref(lastKind))}
			if lastFile != nil {
				last.File = &models.FileRef{Name: *lastFile}
			}
			c.LastMessagePreview = models.Preview(last)
			c.LastMessageAt = lastAt
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	models.SortConversations(out)
	return out, nil
}

func (s *Store) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.Conversation, error) {
	participants := models.UniqueIDs(append([]string{req.CreatedBy}, req.ParticipantIDs...))
	kind := req.Kind
	if kind == "" {
		kind = models.ConversationGroup
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if kind == models.ConversationDirect && len(participants) == 2 {
		var existing models.Conversation
		var k string
		err := tx.QueryRow(ctx, `SELECT c.id, c.kind, c.display_name, c.created_at
			FROM conversations c
			JOIN conversation_participants p1 ON c.id = p1.conversation_id
			JOIN conversation_participants p2 ON c.id = p2.conversation_id
			WHERE c.kind = 'direct' AND p1.user_id = $1 AND p2.user_id = $2
			LIMIT 1`, participants[0], participants[1]).Scan(&existing.ID, &k, &existing.DisplayName, &existing.CreatedAt)
		if err == nil {
			existing.Kind = models.ConversationKind(k)
			existing.ParticipantIDs = participants
			return &existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("find direct conversation: %w", err)
		}
	}

	c := models.Conversation{
		ID:             uuid.NewString(),
		Kind:           kind,
		DisplayName:    req.DisplayName,
		ParticipantIDs: participants,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (id, kind, display_name, created_by) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		c.ID, string(c.Kind), c.DisplayName, req.CreatedBy).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	batch := &pgx.Batch{}
	for _, uid := range participants {
		batch.Queue(`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`, c.ID, uid)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) getMessage(ctx context.Context, id string) (models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		m                 models.Message
		clientID          *string
		kind              string
		fileURL, fileName *string
		fileSize          *int64
	)
	err := row.Scan(&m.ID, &clientID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &kind,
		&fileURL, &fileName, &fileSize, &m.ReadBy, &m.CreatedAt, &m.EditedAt)
	if err != nil {
		return models.Message{}, err
	}
	m.ClientID = deref(clientID)
	m.Kind = models.MessageKind(kind)
	if fileURL != nil {
		m.File = &models.FileRef{URL: *fileURL, Name: deref(fileName)}
		if fileSize != nil {
			m.File.Size = *fileSize
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Status = models.StatusConfirmed
	return m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
