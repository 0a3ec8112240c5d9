// Package inbox keeps the signed-in user's conversation list current: last message
// preview, last activity and unread counts.
package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/rs/zerolog"
)

type Option func(*Inbox)

func WithLogger(l zerolog.Logger) Option {
	return func(i *Inbox) { i.log = l }
}

func WithOnChange(fn func()) Option {
	return func(i *Inbox) { i.onChange = fn }
}

type Inbox struct {
	store    store.Store
	selfID   string
	log      zerolog.Logger
	onChange func()

	mu      sync.Mutex
	convs   map[string]*models.Conversation
	seen    map[string]struct{}
	focused string
	unsub   store.Unsubscribe
}

func New(st store.Store, selfID string, opts ...Option) *Inbox {
	i := &Inbox{
		store:  st,
		selfID: selfID,
		log:    zerolog.Nop(),
		convs:  make(map[string]*models.Conversation),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start loads the list and follows new messages in every conversation.
func (i *Inbox) Start(ctx context.Context) error {
	unsub, err := i.store.SubscribeChanges(ctx, store.Filter{Table: store.TableMessages}, store.ChangeHandler{
		OnInsert: i.onInsert,
		OnResync: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := i.Load(ctx); err != nil {
				i.log.Warn().Err(err).Msg("inbox reload after resync failed")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("inbox subscribe: %w", err)
	}
	i.mu.Lock()
	i.unsub = unsub
	i.mu.Unlock()
	return i.Load(ctx)
}

func (i *Inbox) Close() {
	i.mu.Lock()
	unsub := i.unsub
	i.unsub = nil
	i.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Load replaces the list with the store's view.
func (i *Inbox) Load(ctx context.Context) error {
	list, err := i.store.ListConversations(ctx, i.selfID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	i.mu.Lock()
	i.convs = make(map[string]*models.Conversation, len(list))
	for k := range list {
		c := list[k]
		if c.ID == i.focused {
			c.UnreadCount = 0
		}
		i.convs[c.ID] = &c
	}
	i.mu.Unlock()
	i.notify()
	return nil
}

func (i *Inbox) Create(ctx context.Context, kind models.ConversationKind, name string, participants []string) (*models.Conversation, error) {
	c, err := i.store.CreateConversation(ctx, models.CreateConversationRequest{
		Kind:           kind,
		DisplayName:    name,
		CreatedBy:      i.selfID,
		ParticipantIDs: participants,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	i.mu.Lock()
	if _, ok := i.convs[c.ID]; !ok {
		cp := *c
		i.convs[c.ID] = &cp
	}
	i.mu.Unlock()
	i.notify()
	return c, nil
}

// Focus marks the conversation the user is looking at. New messages there do not
// count as unread.
func (i *Inbox) Focus(id string) {
	i.mu.Lock()
	i.focused = id
	i.mu.Unlock()
}

func (i *Inbox) Blur() {
	i.mu.Lock()
	i.focused = ""
	i.mu.Unlock()
}

func (i *Inbox) Focused() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.focused
}

// MarkRead clears the unread count of a conversation.
func (i *Inbox) MarkRead(id string) {
	i.mu.Lock()
	c, ok := i.convs[id]
	changed := ok && c.UnreadCount != 0
	if changed {
		c.UnreadCount = 0
	}
	i.mu.Unlock()
	if changed {
		i.notify()
	}
}

// Conversations returns the list ordered by last activity.
func (i *Inbox) Conversations() []models.Conversation {
	i.mu.Lock()
	out := make([]models.Conversation, 0, len(i.convs))
	for _, c := range i.convs {
		cp := *c
		cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
		out = append(out, cp)
	}
	i.mu.Unlock()
	models.SortConversations(out)
	return out
}

func (i *Inbox) Get(id string) (models.Conversation, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

func (i *Inbox) onInsert(m models.Message) {
	i.mu.Lock()
	if _, dup := i.seen[m.ID]; dup {
		i.mu.Unlock()
		return
	}
	c, ok := i.convs[m.ConversationID]
	if !ok {
		i.mu.Unlock()
		// someone added us to a conversation we have not listed yet
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := i.Load(ctx); err != nil {
			i.log.Warn().Err(err).Str("conversation_id", m.ConversationID).Msg("inbox reload failed")
		}
		return
	}
	i.seen[m.ID] = struct{}{}
	if c.LastMessageAt == nil || !m.CreatedAt.Before(*c.LastMessageAt) {
		at := m.CreatedAt
		c.LastMessageAt = &at
		c.LastMessagePreview = models.Preview(m)
	}
	if m.SenderID != i.selfID {
		if m.ConversationID == i.focused {
			c.UnreadCount = 0
		} else {
			c.UnreadCount++
		}
	}
	i.mu.Unlock()
	i.notify()
}

func (i *Inbox) notify() {
	if i.onChange != nil {
		i.onChange()
	}
}
