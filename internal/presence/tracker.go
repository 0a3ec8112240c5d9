// Package presence tracks who is online and who is typing. Every record is a lease:
// it reads as absent once its TTL passes without a refresh, with no "stopped" event.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/connection"
	"chatsync/internal/models"

	"github.com/rs/zerolog"
)

// Lease lengths used when no TTL option is given.
const (
	DefaultTypingTTL = 3 * time.Second
	DefaultOnlineTTL = 60 * time.Second
)

// Statuses a user can announce. Away users still count as online.
const (
	StatusOnline  = models.PresenceOnline
	StatusAway    = models.PresenceAway
	StatusOffline = models.PresenceOffline
)

// ErrInvalidStatus is returned by SetMyStatus for anything but online, away or offline.
var ErrInvalidStatus = errors.New("invalid presence status")

// Key identifies one participant within one conversation.
type Key struct {
	ConversationID string
	UserID         string
}

type lease struct {
	name    string
	expires time.Time
}

// Bus is the part of the connection manager the tracker listens on.
type Bus interface {
	On(event string, h connection.Handler) func()
	OnStateChange(fn func(connection.State)) func()
	Emit(ctx context.Context, event string, env models.Envelope) error
}

// Emitter sends one event to the relay.
type Emitter interface {
	Emit(ctx context.Context, event string, env models.Envelope) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTTL sets the typing and online lease lengths.
func WithTTL(typing, online time.Duration) Option {
	return func(t *Tracker) {
		t.typingTTL = typing
		t.onlineTTL = online
	}
}

// WithLogger sets the tracker's logger. The default discards.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithOnChange registers fn to run after every state change, outside the tracker lock.
func WithOnChange(fn func()) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// Tracker holds typing and online leases for one local user.
type Tracker struct {
	selfID    string
	now       func() time.Time
	typingTTL time.Duration
	onlineTTL time.Duration
	log       zerolog.Logger
	onChange  func()

	mu     sync.Mutex
	typing map[Key]lease
	online map[string]time.Time
	away   map[string]struct{}
	// status the local user announces on every (re)connect
	mine string
}

// NewTracker returns an empty tracker for the local user selfID.
func NewTracker(selfID string, opts ...Option) *Tracker {
	t := &Tracker{
		selfID:    selfID,
		now:       time.Now,
		typingTTL: DefaultTypingTTL,
		onlineTTL: DefaultOnlineTTL,
		log:       zerolog.Nop(),
		typing:    make(map[Key]lease),
		online:    make(map[string]time.Time),
		away:      make(map[string]struct{}),
		mine:      StatusOnline,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTyping refreshes or drops a typing lease. The local user is never tracked.
func (t *Tracker) SetTyping(conversationID, userID, name string, isTyping bool) {
	if userID == "" || conversationID == "" || userID == t.selfID {
		return
	}
	k := Key{ConversationID: conversationID, UserID: userID}
	now := t.now()

	t.mu.Lock()
	_, had := t.typing[k]
	if isTyping {
		t.typing[k] = lease{name: name, expires: now.Add(t.typingTTL)}
		// typing implies presence
		t.online[userID] = now.Add(t.onlineTTL)
	} else {
		delete(t.typing, k)
	}
	t.mu.Unlock()

	if isTyping || had {
		t.notify()
	}
}

// Typing returns the display names of users typing in a conversation, sorted.
// Names fall back to user ids.
func (t *Tracker) Typing(conversationID string) []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for k, l := range t.typing {
		if k.ConversationID != conversationID {
			continue
		}
		if !now.Before(l.expires) {
			delete(t.typing, k)
			continue
		}
		name := l.name
		if name == "" {
			name = k.UserID
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsTyping reports whether userID holds a live typing lease in conversationID.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.typing[Key{ConversationID: conversationID, UserID: userID}]
	return ok && now.Before(l.expires)
}

// SetOnline replaces the online set with users, each with a fresh lease.
func (t *Tracker) SetOnline(users []string) {
	now := t.now()
	t.mu.Lock()
	t.online = make(map[string]time.Time, len(users))
	for _, u := range users {
		if u != "" {
			t.online[u] = now.Add(t.onlineTTL)
		}
	}
	for u := range t.away {
		if _, ok := t.online[u]; !ok {
			delete(t.away, u)
		}
	}
	t.mu.Unlock()
	t.notify()
}

// Heartbeat refreshes the online lease of the given users without touching others.
func (t *Tracker) Heartbeat(users ...string) {
	now := t.now()
	t.mu.Lock()
	for _, u := range users {
		if u != "" {
			t.online[u] = now.Add(t.onlineTTL)
		}
	}
	t.mu.Unlock()
	t.notify()
}

// SetStatus applies a user-status-change. Away keeps the user online; offline drops
// their presence and typing.
func (t *Tracker) SetStatus(userID, status string) {
	if userID == "" {
		return
	}
	switch status {
	case StatusOnline, StatusAway:
		now := t.now()
		t.mu.Lock()
		t.online[userID] = now.Add(t.onlineTTL)
		if status == StatusAway {
			t.away[userID] = struct{}{}
		} else {
			delete(t.away, userID)
		}
		t.mu.Unlock()
	default:
		t.mu.Lock()
		delete(t.online, userID)
		delete(t.away, userID)
		for k := range t.typing {
			if k.UserID == userID {
				delete(t.typing, k)
			}
		}
		t.mu.Unlock()
	}
	t.notify()
}

// Status reports online, away or offline for userID.
func (t *Tracker) Status(userID string) string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.online[userID]
	if !ok || !now.Before(exp) {
		return StatusOffline
	}
	if _, away := t.away[userID]; away {
		return StatusAway
	}
	return StatusOnline
}

// IsOnline reports whether userID holds a live online lease. Away users are online.
func (t *Tracker) IsOnline(userID string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.online[userID]
	return ok && now.Before(exp)
}

// MyStatus is the status the local user last chose.
func (t *Tracker) MyStatus() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mine
}

// SetMyStatus announces the local user's status. Offline untracks; online and away
// track with that status. The choice sticks across reconnects.
func (t *Tracker) SetMyStatus(ctx context.Context, em Emitter, status string) error {
	if !models.ValidPresence(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	t.mu.Lock()
	t.mine = status
	t.mu.Unlock()

	if status == StatusOffline {
		if err := em.Emit(ctx, models.EventUntrack, models.Envelope{UserID: t.selfID}); err != nil {
			return err
		}
		t.SetStatus(t.selfID, StatusOffline)
		return nil
	}
	if err := em.Emit(ctx, models.EventTrack, models.Envelope{UserID: t.selfID, Status: status}); err != nil {
		return err
	}
	t.SetStatus(t.selfID, status)
	return nil
}

// Untrack is SetMyStatus(offline): the user stays connected but leaves presence.
func (t *Tracker) Untrack(ctx context.Context, em Emitter) error {
	return t.SetMyStatus(ctx, em, StatusOffline)
}

// Online returns the users with a live online lease, sorted.
func (t *Tracker) Online() []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for u, exp := range t.online {
		if !now.Before(exp) {
			delete(t.online, u)
			continue
		}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Clear drops all presence, as on disconnect.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.typing = make(map[Key]lease)
	t.online = make(map[string]time.Time)
	t.away = make(map[string]struct{})
	t.mu.Unlock()
	t.notify()
}

// Attach feeds the tracker from the transport. Presence is cleared whenever the
// connection leaves the connected state and the local user is re-tracked with their
// chosen status after every (re)connect, unless they went offline. The returned func
// detaches.
func (t *Tracker) Attach(bus Bus) func() {
	offs := []func(){
		bus.On(models.EventUserTyping, func(env models.Envelope) {
			t.SetTyping(env.ChatID, env.UserID, env.Username, env.IsTyping)
		}),
		bus.On(models.EventOnlineUsers, func(env models.Envelope) {
			t.SetOnline(env.Users)
		}),
		bus.On(models.EventUserStatus, func(env models.Envelope) {
			t.SetStatus(env.UserID, env.Status)
		}),
		bus.On(models.EventPresenceSync, func(env models.Envelope) {
			t.Heartbeat(env.Users...)
			for _, u := range env.Typing {
				t.SetTyping(env.ChatID, u, "", true)
			}
		}),
		bus.OnStateChange(func(s connection.State) {
			if s != connection.Connected {
				t.Clear()
				return
			}
			mine := t.MyStatus()
			if mine == StatusOffline {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := bus.Emit(ctx, models.EventTrack, models.Envelope{UserID: t.selfID, Status: mine}); err != nil {
				t.log.Warn().Err(err).Msg("re-track after connect failed")
			}
			t.SetStatus(t.selfID, mine)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}
