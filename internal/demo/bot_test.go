package demo

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/hub"
	"chatsync/internal/models"
	"chatsync/internal/store/memory"
	"chatsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReply(t *testing.T) {
	assert.Equal(t, "Hi there! What can I do for you today?", Reply("Hello!", 0))
	assert.Equal(t, "Talk to you soon!", Reply("ok bye", 3))
	assert.Equal(t, "You're welcome!", Reply("thanks a lot", 1))
	assert.Contains(t, Reply("can you help?", 0), "Good question.")
	// "this" must not read as a greeting
	assert.NotEqual(t, Reply("hello", 0), Reply("this works", 0))
	assert.Equal(t, fallbackReplies[1], Reply("something", 6))
}

func TestBotAnswersWithTyping(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	Seed(st, "u-alice", time.Now())
	h := hub.New()
	loop := hub.NewLoopback(h, nil)

	bot := New(st, loop, WithThinking(20*time.Millisecond, 0))
	require.NoError(t, bot.Start(ctx))
	defer bot.Stop()

	alice, err := loop.Dial(ctx, transport.Credentials{UserID: "u-alice", DisplayName: "alice"})
	require.NoError(t, err)
	defer alice.Close()
	require.NoError(t, alice.Send(ctx, models.Envelope{Event: models.EventJoinChat, ChatID: ConversationID}))

	_, err = st.InsertMessage(ctx, models.NewMessage{ConversationID: ConversationID, SenderID: "u-alice", SenderName: "alice", Content: "hi", Kind: models.KindText})
	require.NoError(t, err)

	var typing []bool
	deadline := time.After(2 * time.Second)
	for len(typing) < 2 {
		select {
		case env := <-alice.Events():
			if env.Event == models.EventUserTyping && env.UserID == BotID {
				typing = append(typing, env.IsTyping)
			}
		case <-deadline:
			t.Fatalf("typing events: %v", typing)
		}
	}
	assert.Equal(t, []bool{true, false}, typing)

	assert.Eventually(t, func() bool {
		rows, _ := st.FetchSnapshot(ctx, ConversationID, 10)
		return len(rows) == 3 && rows[0].SenderID == BotID && rows[0].Content == Reply("hi", 0)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBotIgnoresOwnAndForeignConversations(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.AddConversation(models.Conversation{ID: "private", ParticipantIDs: []string{"u-alice", "u-bob"}})
	h := hub.New()

	bot := New(st, hub.NewLoopback(h, nil), WithThinking(time.Millisecond, 0))
	require.NoError(t, bot.Start(ctx))

	_, err := st.InsertMessage(ctx, models.NewMessage{ConversationID: "private", SenderID: "u-alice", Content: "hi"})
	require.NoError(t, err)
	_, err = st.InsertMessage(ctx, models.NewMessage{ConversationID: "private", SenderID: BotID, Content: "echo"})
	require.NoError(t, err)

	// Stop waits for in-flight replies
	time.Sleep(50 * time.Millisecond)
	bot.Stop()
	rows, err := st.FetchSnapshot(ctx, "private", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
