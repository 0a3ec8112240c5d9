// Package memory is an in-process Store with a live change feed. It backs tests and the
// demo mode of the client.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/google/uuid"
)

const feedBuffer = 256

type changeKind int

const (
	changeInsert changeKind = iota
	changeUpdate
	changeDelete
	changeResync
)

type change struct {
	kind changeKind
	msg  models.Message
	id   string
	conv string
}

type subscriber struct {
	filter  store.Filter
	handler store.ChangeHandler
	events  chan change
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(ev)
		}
	}
}

func (s *subscriber) deliver(ev change) {
	h := s.handler
	switch ev.kind {
	case changeInsert:
		if h.OnInsert != nil {
			h.OnInsert(ev.msg)
		}
	case changeUpdate:
		if h.OnUpdate != nil {
			h.OnUpdate(ev.msg)
		}
	case changeDelete:
		if h.OnDelete != nil {
			h.OnDelete(ev.id, ev.conv)
		}
	case changeResync:
		if h.OnResync != nil {
			h.OnResync()
		}
	}
}

// FetchHook runs before every snapshot read; a non-nil error fails the read.
type FetchHook func(ctx context.Context, conversationID string) error

type Store struct {
	mu        sync.Mutex
	messages  map[string]*models.Message
	convs     map[string]*models.Conversation
	subs      map[int]*subscriber
	nextSub   int
	now       func() time.Time
	insertErr error
	fetchHook FetchHook
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		messages: make(map[string]*models.Message),
		convs:    make(map[string]*models.Conversation),
		subs:     make(map[int]*subscriber),
		now:      time.Now,
	}
}

// SetClock overrides the server clock used for created_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailInserts makes every InsertMessage fail with err until called with nil.
func (s *Store) FailInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *Store) SetFetchHook(h FetchHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchHook = h
}

// Seed stores confirmed messages as pre-existing rows without emitting changes.
func (s *Store) Seed(msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		m := m.Clone()
		m.Status = models.StatusConfirmed
		s.messages[m.ID] = &m
	}
}

// Drop removes rows without emitting changes, like a delete committed while the feed
// was down.
func (s *Store) Drop(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.messages, id)
	}
}

// Resync tells every subscriber that the feed had a gap.
func (s *Store) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		s.enqueue(sub, change{kind: changeResync})
	}
}

func (s *Store) FetchSnapshot(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	hook := s.fetchHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if in.ConversationID == "" || in.SenderID == "" {
		return nil, fmt.Errorf("insert message: conversation and sender are required")
	}

	// A retried write with the same correlation id returns the existing row.
	if in.ClientID != "" {
		for _, m := range s.messages {
			if m.ConversationID == in.ConversationID && m.ClientID == in.ClientID {
				out := m.Clone()
				return &out, nil
			}
		}
	}

	kind := in.Kind
	if kind == "" {
		kind = models.KindText
	}
	m := &models.Message{
		ID:             uuid.New().String(),
		ClientID:       in.ClientID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Content:        in.Content,
		File:           in.File,
		Kind:           kind,
		CreatedAt:      s.now().UTC(),
		Status:         models.StatusConfirmed,
		ReadBy:         []string{in.SenderID},
	}
	s.messages[m.ID] = m
	if c, ok := s.convs[m.ConversationID]; ok {
		at := m.CreatedAt
		c.LastMessageAt = &at
		c.LastMessagePreview = models.Preview(*m)
	}
	s.publish(change{kind: changeInsert, msg: m.Clone(), conv: m.ConversationID})

	out := m.Clone()
	return &out, nil
}

func (s *Store) UpdateMessage(ctx context.Context, senderID string, patch models.MessagePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[patch.ID]
	if !ok {
		return store.ErrNotFound
	}
	if m.SenderID != senderID {
		return store.ErrForbidden
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	edited := s.now().UTC()
	if patch.EditedAt != nil {
		edited = *patch.EditedAt
	}
	m.EditedAt = &edited
	s.publish(change{kind: changeUpdate, msg: m.Clone(), conv: m.ConversationID})
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, senderID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.SenderID != senderID {
		return store.ErrForbidden
	}
	delete(s.messages, id)
	s.publish(change{kind: changeDelete, id: id, conv: m.ConversationID})
	return nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.ConversationID != conversationID {
			continue
		}
		if m.MergeReadBy(userID) {
			s.publish(change{kind: changeUpdate, msg: m.Clone(), conv: m.ConversationID})
		}
	}
	return nil
}

func (s *Store) SubscribeChanges(ctx context.Context, filter store.Filter, h store.ChangeHandler) (store.Unsubscribe, error) {
	if filter.Table != "" && filter.Table != store.TableMessages {
		return nil, fmt.Errorf("subscribe %q: %w", filter.Table, store.ErrUnsupportedTable)
	}
	sub := &subscriber{
		filter:  filter,
		handler: h,
		events:  make(chan change, feedBuffer),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.convs {
		if !c.HasParticipant(userID) {
			continue
		}
		conv := *c
		conv.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
		conv.UnreadCount = 0
		for _, m := range s.messages {
			if m.ConversationID == c.ID && m.SenderID != userID && !m.HasReadBy(userID) {
				conv.UnreadCount++
			}
		}
		out = append(out, conv)
	}
	models.SortConversations(out)
	return out, nil
}

func (s *Store) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	participants := models.UniqueIDs(append([]string{req.CreatedBy}, req.ParticipantIDs...))
	kind := req.Kind
	if kind == "" {
		kind = models.ConversationGroup
	}
	c := &models.Conversation{
		ID:             uuid.New().String(),
		Kind:           kind,
		DisplayName:    req.DisplayName,
		ParticipantIDs: participants,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// a direct conversation between the same two users is reused
	if kind == models.ConversationDirect {
		for _, existing := range s.convs {
			if existing.Kind == models.ConversationDirect && sameMembers(existing.ParticipantIDs, participants) {
				out := *existing
				return &out, nil
			}
		}
	}
	c.CreatedAt = s.now().UTC()
	s.convs[c.ID] = c
	out := *c
	return &out, nil
}

// AddConversation stores a conversation with a fixed id, for fixtures and the demo.
func (s *Store) AddConversation(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ParticipantIDs = models.UniqueIDs(c.ParticipantIDs)
	s.convs[c.ID] = &c
}

// publish must be called with s.mu held so changes queue in commit order.
func (s *Store) publish(ev change) {
	for _, sub := range s.subs {
		if sub.filter.Matches(ev.conv) {
			s.enqueue(sub, ev)
		}
	}
}

func (s *Store) enqueue(sub *subscriber, ev change) {
	select {
	case sub.events <- ev:
	case <-sub.done:
	}
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
