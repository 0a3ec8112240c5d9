// Package subscription binds one conversation to its live change feed and snapshot,
// feeding both into a reconciliation engine.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/connection"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/reconcile"
	"chatsync/internal/store"

	"github.com/rs/zerolog"
)

const DefaultSnapshotLimit = 50

var (
	ErrSnapshotLoadFailed = errors.New("snapshot load failed")
	ErrClosed             = errors.New("subscription closed")
)

type State int

const (
	Loading State = iota
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "closed"
	}
}

// Bus is the realtime transport. It may be nil, in which case rooms are not joined and
// read receipts only arrive through the change feed.
type Bus interface {
	On(event string, h connection.Handler) func()
	OnStateChange(fn func(connection.State)) func()
	Emit(ctx context.Context, event string, env models.Envelope) error
}

type Option func(*Service)

func WithSnapshotLimit(n int) Option {
	return func(s *Service) { s.limit = n }
}

func WithTolerance(d time.Duration) Option {
	return func(s *Service) { s.tolerance = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithOnUpdate registers a hook run after the messages of any handle changed.
func WithOnUpdate(fn func(conversationID string)) Option {
	return func(s *Service) { s.onUpdate = fn }
}

type Service struct {
	store     store.Store
	bus       Bus
	selfID    string
	limit     int
	tolerance time.Duration
	log       zerolog.Logger
	onUpdate  func(string)
}

func NewService(st store.Store, bus Bus, selfID string, opts ...Option) *Service {
	s := &Service{
		store:     st,
		bus:       bus,
		selfID:    selfID,
		limit:     DefaultSnapshotLimit,
		tolerance: reconcile.DefaultTolerance,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Store() store.Store { return s.store }

func (s *Service) SelfID() string { return s.selfID }

// Handle is one open conversation.
type Handle struct {
	svc            *Service
	conversationID string
	engine         *reconcile.Engine
	log            zerolog.Logger
	updates        chan struct{}
	done           chan struct{}

	mu      sync.Mutex
	state   State
	err     error
	loadGen uint64
	unsub   store.Unsubscribe
	offs    []func()
}

// Open attaches the live filter and then loads the snapshot, so no change committed
// after the read can be missed. If the snapshot fails the handle is still returned,
// attached and in state Failed, together with an ErrSnapshotLoadFailed error; Refresh
// retries the load.
func (s *Service) Open(ctx context.Context, conversationID string) (*Handle, error) {
	h := &Handle{
		svc:            s,
		conversationID: conversationID,
		log:            s.log.With().Str("conversation_id", conversationID).Logger(),
		updates:        make(chan struct{}, 1),
		done:           make(chan struct{}),
		state:          Loading,
	}
	h.engine = reconcile.New(conversationID, s.selfID,
		reconcile.WithTolerance(s.tolerance),
		reconcile.WithLogger(h.log),
		reconcile.WithOnChange(h.signal),
	)

	unsub, err := s.store.SubscribeChanges(ctx, store.Filter{
		Table:          store.TableMessages,
		ConversationID: conversationID,
	}, store.ChangeHandler{
		OnInsert: func(m models.Message) {
			if h.Active() {
				_ = h.engine.ApplyLiveInsert(m)
			}
		},
		OnUpdate: func(m models.Message) {
			if h.Active() {
				_ = h.engine.ApplyLiveUpdate(patchFromRow(m))
			}
		},
		OnDelete: func(id, _ string) {
			if h.Active() {
				_ = h.engine.ApplyLiveDelete(id)
			}
		},
		OnResync: func() {
			if h.Active() {
				go h.refreshInBackground("change feed resynced")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	h.unsub = unsub

	if s.bus != nil {
		h.offs = append(h.offs,
			s.bus.On(models.EventMessageRead, func(env models.Envelope) {
				if env.ChatID == conversationID && h.Active() {
					_ = h.engine.ApplyReadReceipt(env.MessageID, env.UserID)
				}
			}),
			s.bus.OnStateChange(func(st connection.State) {
				if st != connection.Connected || !h.Active() {
					return
				}
				h.join()
				go h.refreshInBackground("transport reconnected")
			}),
		)
		h.join()
	}

	if err := h.load(ctx, false); err != nil {
		return h, err
	}
	return h, nil
}

func (h *Handle) ConversationID() string { return h.conversationID }

// Engine exposes the reconciliation engine for the send pipeline.
func (h *Handle) Engine() *reconcile.Engine { return h.engine }

// Messages returns the current ordered message list.
func (h *Handle) Messages() []models.Message { return h.engine.Current() }

// Updates signals, coalesced, that Messages changed.
func (h *Handle) Updates() <-chan struct{} { return h.updates }

// Done is closed when the handle is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the last snapshot failure, if the handle is in state Failed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != Closed
}

// Refresh reloads the snapshot and reconciles it with the current list, removing
// messages deleted while events were missed. Snapshot results that arrive after a
// newer Refresh or after Close are discarded.
func (h *Handle) Refresh(ctx context.Context) error {
	if !h.Active() {
		return ErrClosed
	}
	return h.load(ctx, true)
}

// Close detaches the live filter and the transport handlers.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.state == Closed {
		h.mu.Unlock()
		return
	}
	h.state = Closed
	unsub, offs := h.unsub, h.offs
	h.unsub, h.offs = nil, nil
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, off := range offs {
		off()
	}
	close(h.done)

	if h.svc.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.svc.bus.Emit(ctx, models.EventLeaveChat, models.Envelope{ChatID: h.conversationID})
	}
}

func (h *Handle) load(ctx context.Context, resync bool) error {
	h.mu.Lock()
	h.loadGen++
	gen := h.loadGen
	if h.state == Failed {
		h.state = Loading
	}
	h.mu.Unlock()

	rows, err := h.svc.store.FetchSnapshot(ctx, h.conversationID, h.svc.limit)

	h.mu.Lock()
	if h.state == Closed || gen != h.loadGen {
		h.mu.Unlock()
		h.log.Debug().Uint64("generation", gen).Msg("discarding stale snapshot")
		return nil
	}
	if err != nil {
		h.state = Failed
		h.err = fmt.Errorf("%w: %s: %w", ErrSnapshotLoadFailed, h.conversationID, err)
		failure := h.err
		h.mu.Unlock()
		metrics.SnapshotLoads.WithLabelValues("failed").Inc()
		h.log.Error().Err(err).Msg("snapshot load failed")
		h.signal()
		return failure
	}
	h.mu.Unlock()

	// most recent first from the store; the engine sorts, but feed it chronologically
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	apply := h.engine.ApplySnapshot
	if resync {
		apply = h.engine.ApplyResync
	}
	if err := apply(rows); err != nil {
		h.log.Warn().Err(err).Msg("snapshot contained malformed rows")
	}

	h.mu.Lock()
	if h.state != Closed && gen == h.loadGen {
		h.state = Ready
		h.err = nil
	}
	h.mu.Unlock()
	metrics.SnapshotLoads.WithLabelValues("ok").Inc()
	h.signal()
	return nil
}

func (h *Handle) refreshInBackground(why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.log.Debug().Str("trigger", why).Msg("refreshing snapshot")
	if err := h.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
		h.log.Warn().Err(err).Str("trigger", why).Msg("background refresh failed")
	}
}

func (h *Handle) join() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.bus.Emit(ctx, models.EventJoinChat, models.Envelope{ChatID: h.conversationID}); err != nil {
		// joined again on the next connect
		h.log.Debug().Err(err).Msg("join deferred")
	}
}

func (h *Handle) signal() {
	select {
	case h.updates <- struct{}{}:
	default:
	}
	if h.svc.onUpdate != nil {
		h.svc.onUpdate(h.conversationID)
	}
}

func patchFromRow(m models.Message) models.MessagePatch {
	content := m.Content
	return models.MessagePatch{
		ID:       m.ID,
		Content:  &content,
		EditedAt: m.EditedAt,
		ReadBy:   m.ReadBy,
	}
}
