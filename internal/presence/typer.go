package presence

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/rs/zerolog"
)

const (
	DefaultTypingDebounce = time.Second
	DefaultTypingIdle     = 3 * time.Second
)

type TyperOption func(*Typer)

func WithTyperClock(now func() time.Time) TyperOption {
	return func(t *Typer) { t.now = now }
}

func WithTyperTiming(debounce, idle time.Duration) TyperOption {
	return func(t *Typer) {
		t.debounce = debounce
		t.idle = idle
	}
}

func WithTyperLogger(l zerolog.Logger) TyperOption {
	return func(t *Typer) { t.log = l }
}

// Typer turns keystrokes in one conversation into typing heartbeats: at most one per
// debounce window, and an explicit stop after the idle period or on send.
type Typer struct {
	emitter        Emitter
	conversationID string
	now            func() time.Time
	debounce       time.Duration
	idle           time.Duration
	log            zerolog.Logger

	mu       sync.Mutex
	active   bool
	lastSent time.Time
	timer    *time.Timer
	seq      int
}

func NewTyper(emitter Emitter, conversationID string, opts ...TyperOption) *Typer {
	t := &Typer{
		emitter:        emitter,
		conversationID: conversationID,
		now:            time.Now,
		debounce:       DefaultTypingDebounce,
		idle:           DefaultTypingIdle,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Keystroke records input activity.
func (t *Typer) Keystroke(ctx context.Context) {
	now := t.now()
	t.mu.Lock()
	send := !t.active || now.Sub(t.lastSent) >= t.debounce
	if send {
		t.active = true
		t.lastSent = now
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(t.idle, func() { t.expire(seq) })
	t.mu.Unlock()

	if send {
		t.emit(ctx, true)
	}
}

// Stop ends the typing state now, e.g. when the message is sent.
func (t *Typer) Stop(ctx context.Context) {
	t.mu.Lock()
	was := t.active
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if was {
		t.emit(ctx, false)
	}
}

func (t *Typer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typer) expire(seq int) {
	t.mu.Lock()
	stale := seq != t.seq
	t.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Stop(ctx)
}

func (t *Typer) emit(ctx context.Context, typing bool) {
	env := models.Envelope{ChatID: t.conversationID, IsTyping: typing}
	if err := t.emitter.Emit(ctx, models.EventTyping, env); err != nil {
		// typing is best effort
		t.log.Debug().Err(err).Bool("typing", typing).Msg("typing signal not sent")
	}
}
