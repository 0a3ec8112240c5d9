package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/jackc/pgx/v5"
)

type notification struct {
	Op             string `json:"op"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

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

func (s *Store) SubscribeChanges(ctx context.Context, filter store.Filter, h store.ChangeHandler) (store.Unsubscribe, error) {
	if filter.Table != "" && filter.Table != store.TableMessages {
		return nil, fmt.Errorf("subscribe %q: %w", filter.Table, store.ErrUnsupportedTable)
	}
	s.startListener()

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

func (s *Store) startListener() {
	s.listenOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		go s.listen(ctx)
	})
}

// listen holds one pooled connection in LISTEN mode. After a lost connection it
// reconnects and tells subscribers to resync, since notifications sent meanwhile
// are gone.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	first := true
	for {
		err := s.listenSession(ctx, first)
		if ctx.Err() != nil {
			return
		}
		first = false
		s.log.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("change feed listener lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Store) listenSession(ctx context.Context, first bool) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if !first {
		s.broadcast(change{kind: changeResync})
	}
	s.log.Debug().Str("channel", notifyChannel).Msg("change feed listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var note notification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			s.log.Warn().Err(err).Str("payload", n.Payload).Msg("undecodable notification")
			continue
		}
		s.handleNotification(ctx, note)
	}
}

func (s *Store) handleNotification(ctx context.Context, note notification) {
	switch note.Op {
	case "delete":
		s.publish(change{kind: changeDelete, id: note.ID, conv: note.ConversationID})
	case "insert", "update":
		m, err := s.getMessage(ctx, note.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			// deleted before we read it; the delete notification follows
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", note.ID).Msg("read changed row failed")
			s.broadcast(change{kind: changeResync})
			return
		}
		kind := changeInsert
		if note.Op == "update" {
			kind = changeUpdate
		}
		s.publish(change{kind: kind, msg: m, conv: m.ConversationID})
	}
}

func (s *Store) publish(ev change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.filter.Matches(ev.conv) {
			enqueue(sub, ev)
		}
	}
}

func (s *Store) broadcast(ev change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		enqueue(sub, ev)
	}
}

func enqueue(sub *subscriber, ev change) {
	select {
	case sub.events <- ev:
	case <-sub.done:
	}
}
