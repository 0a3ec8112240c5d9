package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	inserts []models.Message
	updates []models.Message
	deletes []string
	resyncs int
}

func (r *recorder) handler() store.ChangeHandler {
	return store.ChangeHandler{
		OnInsert: func(m models.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.inserts = append(r.inserts, m)
		},
		OnUpdate: func(m models.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, m)
		},
		OnDelete: func(id, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.deletes = append(r.deletes, id)
		},
		OnResync: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.resyncs++
		},
	}
}

func (r *recorder) counts() (int, int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inserts), len(r.updates), len(r.deletes), r.resyncs
}

func TestSnapshotOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		s.Seed(models.Message{ID: id, ConversationID: "c1", SenderID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	s.Seed(models.Message{ID: "x", ConversationID: "c2", SenderID: "u1", CreatedAt: base})

	got, err := s.FetchSnapshot(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, models.StatusConfirmed, got[0].Status)
}

func TestInsertIsIdempotentOnClientID(t *testing.T) {
	ctx := context.Background()
	s := New()
	in := models.NewMessage{ClientID: "temp-1", ConversationID: "c1", SenderID: "u1", Content: "hi"}

	first, err := s.InsertMessage(ctx, in)
	require.NoError(t, err)
	again, err := s.InsertMessage(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []string{"u1"}, first.ReadBy)
	assert.Equal(t, models.KindText, first.Kind)

	rows, _ := s.FetchSnapshot(ctx, "c1", 0)
	assert.Len(t, rows, 1)

	_, err = s.InsertMessage(ctx, models.NewMessage{Content: "orphan"})
	assert.Error(t, err)
}

func TestChangeFeed(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := &recorder{}
	other := &recorder{}
	unsub, err := s.SubscribeChanges(ctx, store.Filter{Table: store.TableMessages, ConversationID: "c1"}, rec.handler())
	require.NoError(t, err)
	defer unsub()
	unsubOther, err := s.SubscribeChanges(ctx, store.Filter{ConversationID: "c2"}, other.handler())
	require.NoError(t, err)
	defer unsubOther()

	m, err := s.InsertMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "hi"})
	require.NoError(t, err)
	content := "hello"
	require.NoError(t, s.UpdateMessage(ctx, "u1", models.MessagePatch{ID: m.ID, Content: &content}))
	require.NoError(t, s.MarkRead(ctx, "c1", "u2", []string{m.ID}))
	// already read: no change emitted
	require.NoError(t, s.MarkRead(ctx, "c1", "u2", []string{m.ID}))
	require.NoError(t, s.DeleteMessage(ctx, "u1", m.ID))
	s.Resync()

	assert.Eventually(t, func() bool {
		i, u, d, r := rec.counts()
		return i == 1 && u == 2 && d == 1 && r == 1
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, "hello", rec.updates[0].Content)
	assert.NotNil(t, rec.updates[0].EditedAt)
	assert.Equal(t, []string{"u1", "u2"}, rec.updates[1].ReadBy)
	rec.mu.Unlock()

	i, u, d, _ := other.counts()
	assert.Zero(t, i+u+d)
}

func TestUnsupportedTable(t *testing.T) {
	_, err := New().SubscribeChanges(context.Background(), store.Filter{Table: "users"}, store.ChangeHandler{})
	assert.ErrorIs(t, err, store.ErrUnsupportedTable)
}

func TestOwnershipScopedWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	m, err := s.InsertMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1", Content: "mine"})
	require.NoError(t, err)

	content := "hijack"
	assert.ErrorIs(t, s.UpdateMessage(ctx, "u2", models.MessagePatch{ID: m.ID, Content: &content}), store.ErrForbidden)
	assert.ErrorIs(t, s.DeleteMessage(ctx, "u2", m.ID), store.ErrForbidden)
	assert.ErrorIs(t, s.DeleteMessage(ctx, "u1", "missing"), store.ErrNotFound)
}

func TestFailInsertsAndFetchHook(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	s.FailInserts(boom)
	_, err := s.InsertMessage(ctx, models.NewMessage{ConversationID: "c1", SenderID: "u1"})
	assert.ErrorIs(t, err, boom)
	s.FailInserts(nil)

	s.SetFetchHook(func(context.Context, string) error { return boom })
	_, err = s.FetchSnapshot(ctx, "c1", 10)
	assert.ErrorIs(t, err, boom)
}

func TestConversations(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	group, err := s.CreateConversation(ctx, models.CreateConversationRequest{DisplayName: "team", CreatedBy: "u1", ParticipantIDs: []string{"u2", "u2"}})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationGroup, group.Kind)
	assert.Equal(t, []string{"u1", "u2"}, group.ParticipantIDs)

	dm, err := s.CreateConversation(ctx, models.CreateConversationRequest{Kind: models.ConversationDirect, CreatedBy: "u1", ParticipantIDs: []string{"u3"}})
	require.NoError(t, err)
	again, err := s.CreateConversation(ctx, models.CreateConversationRequest{Kind: models.ConversationDirect, CreatedBy: "u3", ParticipantIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Equal(t, dm.ID, again.ID)

	now = now.Add(time.Minute)
	_, err = s.InsertMessage(ctx, models.NewMessage{ConversationID: group.ID, SenderID: "u2", Content: "ping"})
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, group.ID, convs[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, "ping", convs[0].LastMessagePreview)

	convs, err = s.ListConversations(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Zero(t, convs[0].UnreadCount)
}
