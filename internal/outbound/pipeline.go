// Package outbound turns local user actions into optimistic entries and durable writes.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/store"
	"chatsync/internal/subscription"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TempIDPrefix marks ids that exist only on this client.
const TempIDPrefix = "temp-"

var (
	ErrWriteFailed  = errors.New("write failed")
	ErrNotRetryable = errors.New("message is not failed")
	ErrNotConfirmed = errors.New("message is not confirmed yet")
	ErrEmptyMessage = errors.New("message is empty")
)

// Identity is the signed-in user the pipeline writes as.
type Identity struct {
	UserID      string
	DisplayName string
}

type Option func(*Pipeline)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithEmitter couples the pipeline to the transport for typing signals and read receipts.
func WithEmitter(em presence.Emitter, opts ...presence.TyperOption) Option {
	return func(p *Pipeline) {
		p.emitter = em
		p.typerOpts = opts
	}
}

type Pipeline struct {
	store     store.Store
	self      Identity
	log       zerolog.Logger
	now       func() time.Time
	emitter   presence.Emitter
	typerOpts []presence.TyperOption

	mu     sync.Mutex
	typers map[string]*presence.Typer
}

func New(st store.Store, self Identity, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  st,
		self:   self,
		log:    zerolog.Nop(),
		now:    time.Now,
		typers: make(map[string]*presence.Typer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func IsTemp(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Keystroke reports input activity in the conversation of h.
func (p *Pipeline) Keystroke(ctx context.Context, h *subscription.Handle) {
	if t := p.typer(h.ConversationID()); t != nil {
		t.Keystroke(ctx)
	}
}

// StopTyping ends the typing state for the conversation of h.
func (p *Pipeline) StopTyping(ctx context.Context, h *subscription.Handle) {
	if t := p.typer(h.ConversationID()); t != nil {
		t.Stop(ctx)
	}
}

// Send shows the message immediately as pending and writes it through the store.
// The temporary id doubles as the correlation id, so the live echo and the direct
// return converge on one entry. On failure the entry stays visible as failed.
func (p *Pipeline) Send(ctx context.Context, h *subscription.Handle, content string, kind models.MessageKind, file *models.FileRef) (*models.Message, error) {
	if kind == "" {
		kind = models.KindText
	}
	if strings.TrimSpace(content) == "" && file == nil {
		return nil, ErrEmptyMessage
	}
	p.StopTyping(ctx, h)

	tempID := TempIDPrefix + uuid.NewString()
	msg := models.Message{
		ID:             tempID,
		ClientID:       tempID,
		ConversationID: h.ConversationID(),
		SenderID:       p.self.UserID,
		SenderName:     p.self.DisplayName,
		Content:        content,
		File:           file,
		Kind:           kind,
		CreatedAt:      p.now().UTC(),
		Status:         models.StatusPending,
	}
	if err := h.Engine().ApplyOptimistic(msg); err != nil {
		return nil, err
	}
	return p.write(ctx, h, msg, "send")
}

// Retry re-issues the write of a failed entry with its original correlation id.
func (p *Pipeline) Retry(ctx context.Context, h *subscription.Handle, id string) (*models.Message, error) {
	msg, ok := h.Engine().MarkPending(id)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", id, ErrNotRetryable)
	}
	return p.write(ctx, h, msg, "retry")
}

func (p *Pipeline) write(ctx context.Context, h *subscription.Handle, msg models.Message, op string) (*models.Message, error) {
	created, err := p.store.InsertMessage(ctx, models.NewMessage{
		ClientID:       msg.ClientID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Kind:           msg.Kind,
		File:           msg.File,
	})
	if err != nil {
		h.Engine().ApplyFailure(msg.ID)
		metrics.SendsTotal.WithLabelValues(op, "failed").Inc()
		p.log.Error().Err(err).Str("conversation_id", msg.ConversationID).Str("client_id", msg.ClientID).Msg("message write failed")
		return nil, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	metrics.SendsTotal.WithLabelValues(op, "ok").Inc()
	if err := h.Engine().ApplyConfirmation(msg.ClientID, *created); err != nil {
		p.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("store returned an unusable row")
	}
	return created, nil
}

// Edit changes the content of one of the user's confirmed messages.
func (p *Pipeline) Edit(ctx context.Context, h *subscription.Handle, id, content string) error {
	m, err := p.ownConfirmed(h, id)
	if err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("edit %s: %w", id, ErrEmptyMessage)
	}
	at := p.now().UTC()
	patch := models.MessagePatch{ID: m.ID, Content: &content, EditedAt: &at}
	if err := p.store.UpdateMessage(ctx, p.self.UserID, patch); err != nil {
		metrics.SendsTotal.WithLabelValues("edit", "failed").Inc()
		return p.writeError("edit", id, err)
	}
	metrics.SendsTotal.WithLabelValues("edit", "ok").Inc()
	return h.Engine().ApplyLiveUpdate(patch)
}

// Delete removes one of the user's messages. A failed entry that never reached the
// store is discarded locally.
func (p *Pipeline) Delete(ctx context.Context, h *subscription.Handle, id string) error {
	if h.Engine().Discard(id) {
		return nil
	}
	m, err := p.ownConfirmed(h, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if err := p.store.DeleteMessage(ctx, p.self.UserID, m.ID); err != nil {
		metrics.SendsTotal.WithLabelValues("delete", "failed").Inc()
		return p.writeError("delete", id, err)
	}
	metrics.SendsTotal.WithLabelValues("delete", "ok").Inc()
	return h.Engine().ApplyLiveDelete(m.ID)
}

// MarkRead records the user as reader of ids, or of every unread confirmed message in
// the conversation when ids is empty. It returns the ids that were marked.
func (p *Pipeline) MarkRead(ctx context.Context, h *subscription.Handle, ids ...string) ([]string, error) {
	if len(ids) == 0 {
		for _, m := range h.Messages() {
			if m.Status == models.StatusConfirmed && !m.HasReadBy(p.self.UserID) {
				ids = append(ids, m.ID)
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := p.store.MarkRead(ctx, h.ConversationID(), p.self.UserID, ids); err != nil {
		return nil, p.writeError("mark read", h.ConversationID(), err)
	}
	for _, id := range ids {
		_ = h.Engine().ApplyReadReceipt(id, p.self.UserID)
		if p.emitter != nil {
			env := models.Envelope{ChatID: h.ConversationID(), MessageID: id}
			if err := p.emitter.Emit(ctx, models.EventMarkRead, env); err != nil {
				p.log.Debug().Err(err).Str("message_id", id).Msg("read receipt not relayed")
			}
		}
	}
	return ids, nil
}

// Close stops all typing timers.
func (p *Pipeline) Close(ctx context.Context) {
	p.mu.Lock()
	typers := p.typers
	p.typers = make(map[string]*presence.Typer)
	p.mu.Unlock()
	for _, t := range typers {
		t.Stop(ctx)
	}
}

func (p *Pipeline) ownConfirmed(h *subscription.Handle, id string) (models.Message, error) {
	m, ok := h.Engine().Get(id)
	switch {
	case !ok:
		return m, store.ErrNotFound
	case m.SenderID != p.self.UserID:
		return m, store.ErrForbidden
	case m.Status != models.StatusConfirmed:
		return m, ErrNotConfirmed
	}
	return m, nil
}

// writeError keeps authorization and not-found failures distinct from retryable ones.
func (p *Pipeline) writeError(op, id string, err error) error {
	if errors.Is(err, store.ErrForbidden) || errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	p.log.Error().Err(err).Str("op", op).Str("id", id).Msg("write failed")
	return fmt.Errorf("%s %s: %w: %w", op, id, ErrWriteFailed, err)
}

func (p *Pipeline) typer(conversationID string) *presence.Typer {
	if p.emitter == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.typers[conversationID]
	if !ok {
		opts := append([]presence.TyperOption{presence.WithTyperLogger(p.log)}, p.typerOpts...)
		t = presence.NewTyper(p.emitter, conversationID, opts...)
		p.typers[conversationID] = t
	}
	return t
}
