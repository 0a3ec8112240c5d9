package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"chatsync/internal/db"
	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, pool))
	s := New(pool, WithRetryDelay(10*time.Millisecond))
	t.Cleanup(func() {
		s.Close()
		pool.Close()
	})
	return s
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice, bob := uuid.NewString(), uuid.NewString()

	conv, err := s.CreateConversation(ctx, models.CreateConversationRequest{Kind: models.ConversationDirect, CreatedBy: alice, ParticipantIDs: []string{bob}})
	require.NoError(t, err)
	again, err := s.CreateConversation(ctx, models.CreateConversationRequest{Kind: models.ConversationDirect, CreatedBy: bob, ParticipantIDs: []string{alice}})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	var mu sync.Mutex
	var inserts, updates, deletes int
	unsub, err := s.SubscribeChanges(ctx, store.Filter{Table: store.TableMessages, ConversationID: conv.ID}, store.ChangeHandler{
		OnInsert: func(models.Message) { mu.Lock(); inserts++; mu.Unlock() },
		OnUpdate: func(models.Message) { mu.Lock(); updates++; mu.Unlock() },
		OnDelete: func(string, string) { mu.Lock(); deletes++; mu.Unlock() },
	})
	require.NoError(t, err)
	defer unsub()
	// give the listener a moment to issue LISTEN
	time.Sleep(100 * time.Millisecond)

	in := models.NewMessage{ClientID: "temp-" + uuid.NewString(), ConversationID: conv.ID, SenderID: alice, SenderName: "alice", Content: "hi"}
	m, err := s.InsertMessage(ctx, in)
	require.NoError(t, err)
	dup, err := s.InsertMessage(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, m.ID, dup.ID)
	assert.Equal(t, in.ClientID, m.ClientID)

	content := "hello"
	assert.ErrorIs(t, s.UpdateMessage(ctx, bob, models.MessagePatch{ID: m.ID, Content: &content}), store.ErrForbidden)
	require.NoError(t, s.UpdateMessage(ctx, alice, models.MessagePatch{ID: m.ID, Content: &content}))
	require.NoError(t, s.MarkRead(ctx, conv.ID, bob, []string{m.ID}))

	snap, err := s.FetchSnapshot(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "hello", snap[0].Content)
	assert.NotNil(t, snap[0].EditedAt)
	assert.ElementsMatch(t, []string{alice, bob}, snap[0].ReadBy)

	convs, err := s.ListConversations(ctx, bob)
	require.NoError(t, err)
	require.NotEmpty(t, convs)
	assert.Equal(t, "hello", convs[0].LastMessagePreview)
	assert.Zero(t, convs[0].UnreadCount)

	require.NoError(t, s.DeleteMessage(ctx, alice, m.ID))
	assert.ErrorIs(t, s.DeleteMessage(ctx, alice, m.ID), store.ErrNotFound)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inserts == 1 && updates == 2 && deletes == 1
	}, 5*time.Second, 20*time.Millisecond)
}
