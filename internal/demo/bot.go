// Package demo runs a scripted participant that answers text messages. It talks to
// the rest of the system only through the Store and the relay transport, the same
// way a real client does.
package demo

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"chatsync/internal/connection"
	"chatsync/internal/models"
	"chatsync/internal/store"
	"chatsync/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	BotID   = "demo-bot"
	BotName = "Assistant"
)

var fallbackReplies = []string{
	"I understand your question. Let me help you with that.",
	"That's an interesting point. Here's what I think about it...",
	"I can assist you with that. Would you like me to provide more details?",
	"Based on what you've asked, I'd recommend the following approach...",
	"I'm here to help! Let me break this down for you.",
}

// Reply picks a response for content. n rotates through the generic answers.
func Reply(content string, n int) string {
	text := strings.ToLower(strings.TrimSpace(content))
	switch {
	case text == "":
		return fallbackReplies[0]
	case hasWord(text, "hello", "hi", "hey"):
		return "Hi there! What can I do for you today?"
	case hasWord(text, "bye", "goodbye", "cya"):
		return "Talk to you soon!"
	case hasWord(text, "thanks", "thank", "thx"):
		return "You're welcome!"
	case strings.HasSuffix(text, "?"):
		return "Good question. " + fallbackReplies[(n+2)%len(fallbackReplies)]
	}
	if n < 0 {
		n = -n
	}
	return fallbackReplies[n%len(fallbackReplies)]
}

func hasWord(text string, words ...string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	}) {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

type Option func(*Bot)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bot) { b.log = l }
}

// WithIdentity replaces the default bot user.
func WithIdentity(id, name string) Option {
	return func(b *Bot) { b.id, b.name = id, name }
}

// WithThinking sets how long the bot shows typing before replying: base plus up to
// jitter.
func WithThinking(base, jitter time.Duration) Option {
	return func(b *Bot) { b.think, b.jitter = base, jitter }
}

type Bot struct {
	st     store.Store
	dialer transport.Dialer
	id     string
	name   string
	think  time.Duration
	jitter time.Duration
	log    zerolog.Logger

	conn   *connection.Manager
	unsub  store.Unsubscribe
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	mu      sync.Mutex
	joined  map[string]bool
	replies map[string]int
	rnd     *rand.Rand
}

func New(st store.Store, dialer transport.Dialer, opts ...Option) *Bot {
	b := &Bot{
		st:      st,
		dialer:  dialer,
		id:      BotID,
		name:    BotName,
		think:   time.Second,
		jitter:  2 * time.Second,
		log:     zerolog.Nop(),
		joined:  make(map[string]bool),
		replies: make(map[string]int),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bot) ID() string { return b.id }

// Start connects the bot and begins answering.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.conn = connection.New(b.dialer, connection.WithLogger(b.log))
	b.conn.OnStateChange(func(s connection.State) {
		if s != connection.Connected {
			return
		}
		// rooms are per connection; join again after a reconnect
		b.mu.Lock()
		b.joined = make(map[string]bool)
		b.mu.Unlock()
	})
	if err := b.conn.Connect(ctx, transport.Credentials{UserID: b.id, DisplayName: b.name}); err != nil {
		b.cancel()
		return err
	}
	unsub, err := b.st.SubscribeChanges(ctx, store.Filter{Table: store.TableMessages}, store.ChangeHandler{
		OnInsert: b.onInsert,
	})
	if err != nil {
		b.conn.Disconnect()
		b.cancel()
		return err
	}
	b.unsub = unsub
	b.log.Info().Str("bot_id", b.id).Msg("demo bot started")
	return nil
}

func (b *Bot) Stop() {
	if b.cancel == nil {
		return
	}
	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	b.wg.Wait()
	b.conn.Disconnect()
}

func (b *Bot) onInsert(m models.Message) {
	if m.SenderID == b.id || m.Kind != models.KindText {
		return
	}
	if b.ctx.Err() != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.respond(m)
	}()
}

func (b *Bot) respond(m models.Message) {
	ctx := b.ctx
	member, err := b.isMember(ctx, m.ConversationID)
	if err != nil || !member {
		return
	}
	b.join(ctx, m.ConversationID)

	b.typing(ctx, m.ConversationID, true)
	select {
	case <-ctx.Done():
		return
	case <-time.After(b.thinkTime()):
	}
	b.typing(ctx, m.ConversationID, false)

	b.mu.Lock()
	n := b.replies[m.ConversationID]
	b.replies[m.ConversationID]++
	b.mu.Unlock()

	_, err = b.st.InsertMessage(ctx, models.NewMessage{
		ClientID:       "bot-" + uuid.NewString(),
		ConversationID: m.ConversationID,
		SenderID:       b.id,
		SenderName:     b.name,
		Content:        Reply(m.Content, n),
		Kind:           models.KindText,
	})
	if err != nil && ctx.Err() == nil {
		b.log.Warn().Err(err).Str("chat_id", m.ConversationID).Msg("bot reply failed")
	}
}

func (b *Bot) isMember(ctx context.Context, convID string) (bool, error) {
	convs, err := b.st.ListConversations(ctx, b.id)
	if err != nil {
		return false, err
	}
	for _, c := range convs {
		if c.ID == convID {
			return true, nil
		}
	}
	return false, nil
}

func (b *Bot) join(ctx context.Context, convID string) {
	b.mu.Lock()
	done := b.joined[convID]
	b.joined[convID] = true
	b.mu.Unlock()
	if done {
		return
	}
	if err := b.conn.Emit(ctx, models.EventJoinChat, models.Envelope{ChatID: convID}); err != nil {
		b.log.Debug().Err(err).Msg("bot join failed")
	}
}

func (b *Bot) typing(ctx context.Context, convID string, on bool) {
	if err := b.conn.Emit(ctx, models.EventTyping, models.Envelope{ChatID: convID, IsTyping: on}); err != nil {
		b.log.Debug().Err(err).Msg("bot typing failed")
	}
}

func (b *Bot) thinkTime() time.Duration {
	if b.jitter <= 0 {
		return b.think
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.think + time.Duration(b.rnd.Int63n(int64(b.jitter)))
}
