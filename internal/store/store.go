// Package store defines the durable store collaborator: authoritative persistence,
// snapshot queries and a per-table change feed.
package store

import (
	"context"
	"errors"

	"chatsync/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a caller edits or deletes a message it does not own.
	ErrForbidden = errors.New("authorization denied")
)

// TableMessages is the only table with a change feed.
const TableMessages = "messages"

// ErrUnsupportedTable is returned by SubscribeChanges for tables without a feed.
var ErrUnsupportedTable = errors.New("table has no change feed")

// Filter selects which changes a subscriber receives. An empty ConversationID
// matches every conversation.
type Filter struct {
	Table          string
	ConversationID string
}

// Matches reports whether a change on conversationID passes the filter.
func (f Filter) Matches(conversationID string) bool {
	return f.ConversationID == "" || f.ConversationID == conversationID
}

// ChangeHandler receives change-feed callbacks. Callbacks for one subscription are
// invoked sequentially in emission order. Nil callbacks are skipped.
type ChangeHandler struct {
	OnInsert func(models.Message)
	OnUpdate func(models.Message)
	OnDelete func(id, conversationID string)
	// OnResync fires after the feed recovered from a gap; events may have been missed.
	OnResync func()
}

// Unsubscribe detaches a change subscription. It is safe to call more than once.
type Unsubscribe func()

type Store interface {
	// FetchSnapshot returns up to limit messages, most recent first.
	FetchSnapshot(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, msg models.NewMessage) (*models.Message, error)
	// UpdateMessage and DeleteMessage are scoped to the message owner.
	UpdateMessage(ctx context.Context, senderID string, patch models.MessagePatch) error
	DeleteMessage(ctx context.Context, senderID, id string) error
	MarkRead(ctx context.Context, conversationID, userID string, ids []string) error
	SubscribeChanges(ctx context.Context, filter Filter, h ChangeHandler) (Unsubscribe, error)

	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.Conversation, error)
}
