// Package reconcile merges snapshots, live change events and optimistic local writes
// into one ordered, deduplicated message list per conversation.
//
// Every Apply method is idempotent: replaying any event leaves the list unchanged.
// Methods never panic on bad input; malformed events are dropped and reported with
// ErrMalformedEvent.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/rs/zerolog"
)

// ErrMalformedEvent wraps every rejection of an event that fails validation.
var ErrMalformedEvent = errors.New("malformed event")

// Limits on patches held for messages the engine has not seen yet. Past either
// limit the oldest patch (or the longest-waiting message) is dropped.
const (
	MaxBufferedPerMessage = 32
	MaxBufferedMessages   = 256
)

// DefaultTolerance bounds the distance between a pending entry's client clock and
// the server timestamp of its echo when no correlation id is available.
const DefaultTolerance = 10 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithTolerance sets the clock window for matching an echo to a pending entry.
func WithTolerance(d time.Duration) Option {
	return func(e *Engine) { e.tolerance = d }
}

// WithLogger sets the engine's logger. The default discards.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOnChange registers fn to run after every mutation, outside the engine lock.
func WithOnChange(fn func()) Option {
	return func(e *Engine) { e.onChange = fn }
}

// Engine owns the reconciled list for one conversation. It is safe for concurrent
// use; all mutation goes through the Apply methods.
type Engine struct {
	conversationID string
	selfID         string
	tolerance      time.Duration
	log            zerolog.Logger
	onChange       func()

	mu       sync.Mutex
	entries  []*models.Message
	byID     map[string]*models.Message
	byClient map[string]*models.Message
	deleted  map[string]struct{}
	buffered map[string]*held
	seq      uint64
}

// held is the queue of patches waiting for one unknown message.
type held struct {
	seq     uint64
	patches []models.MessagePatch
}

// New returns an empty engine for one conversation as seen by selfID.
func New(conversationID, selfID string, opts ...Option) *Engine {
	e := &Engine{
		conversationID: conversationID,
		selfID:         selfID,
		tolerance:      DefaultTolerance,
		log:            zerolog.Nop(),
		byID:           make(map[string]*models.Message),
		byClient:       make(map[string]*models.Message),
		deleted:        make(map[string]struct{}),
		buffered:       make(map[string]*held),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ConversationID is the conversation this engine reconciles.
func (e *Engine) ConversationID() string { return e.conversationID }

// Current returns a copy of the list ordered by (createdAt, id).
func (e *Engine) Current() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.entries))
	for i, m := range e.entries {
		out[i] = m.Clone()
	}
	return out
}

// Get looks an entry up by server id or correlation id.
func (e *Engine) Get(id string) (models.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.lookup(id)
	if m == nil {
		return models.Message{}, false
	}
	return m.Clone(), true
}

// Len is the number of entries, pending and failed included.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// ApplyOptimistic inserts a locally created pending entry. msg.ID is the temporary id and
// doubles as correlation id when ClientID is empty. Re-applying an id already present
// moves a failed entry back to pending instead of adding a second one.
func (e *Engine) ApplyOptimistic(msg models.Message) error {
	if msg.ID == "" || msg.SenderID == "" {
		return e.malformed("optimistic", msg.ID, "missing id or sender")
	}
	if msg.ConversationID != "" && msg.ConversationID != e.conversationID {
		return e.malformed("optimistic", msg.ID, "conversation mismatch")
	}
	if msg.ClientID == "" {
		msg.ClientID = msg.ID
	}

	e.mu.Lock()
	changed := false
	if t := e.lookup(msg.ClientID); t != nil {
		if t.Status == models.StatusFailed {
			t.Status = models.StatusPending
			changed = true
		}
	} else {
		m := msg.Clone()
		m.ConversationID = e.conversationID
		m.Status = models.StatusPending
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		m.MergeReadBy(m.SenderID)
		e.add(m)
		changed = true
	}
	if changed {
		e.sortLocked()
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	return nil
}

// ApplySnapshot merges a point-in-time read. Entries absent from the snapshot are kept:
// they are live inserts that raced the read, or optimistic writes.
func (e *Engine) ApplySnapshot(list []models.Message) error {
	return e.applySnapshot(list, false)
}

// ApplyResync merges a read taken after a gap in the live feed. On top of
// ApplySnapshot, confirmed entries that sort between the oldest and newest row of the
// read but are missing from it were deleted during the gap; they are removed and
// tombstoned. Entries outside that range and local pending or failed entries are kept.
// An empty read removes nothing.
func (e *Engine) ApplyResync(list []models.Message) error {
	return e.applySnapshot(list, true)
}

func (e *Engine) applySnapshot(list []models.Message, prune bool) error {
	var dropped int
	var lo, hi *models.Message
	seen := make(map[string]struct{}, len(list))

	e.mu.Lock()
	changed := false
	for _, m := range list {
		if err := e.validate(m); err != nil {
			dropped++
			continue
		}
		if m.ConversationID != e.conversationID {
			continue
		}
		seen[m.ID] = struct{}{}
		row := m
		if lo == nil || Less(&row, lo) {
			lo = &row
		}
		if hi == nil || Less(hi, &row) {
			hi = &row
		}
		if e.upsertConfirmed(m) {
			changed = true
		}
	}
	if prune && lo != nil {
		for _, t := range append([]*models.Message(nil), e.entries...) {
			if t.Status != models.StatusConfirmed || Less(t, lo) || Less(hi, t) {
				continue
			}
			if _, ok := seen[t.ID]; ok {
				continue
			}
			e.deleted[t.ID] = struct{}{}
			delete(e.buffered, t.ID)
			e.remove(t)
			changed = true
			e.log.Debug().Str("message_id", t.ID).Msg("removed message missing from resync read")
		}
	}
	if changed {
		e.sortLocked()
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	if dropped > 0 {
		return e.malformed("snapshot", "", fmt.Sprintf("%d rows dropped", dropped))
	}
	return nil
}

// ApplyLiveInsert merges a confirmed message from the change feed. An echo of one of our
// own optimistic writes replaces the pending entry in place.
func (e *Engine) ApplyLiveInsert(msg models.Message) error {
	if err := e.validate(msg); err != nil {
		return err
	}
	if msg.ConversationID != e.conversationID {
		return nil
	}
	e.mu.Lock()
	changed := e.upsertConfirmed(msg)
	if changed {
		e.sortLocked()
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	return nil
}

// ApplyLiveUpdate applies a patch. Patches for ids not yet present are buffered, within
// MaxBufferedPerMessage and MaxBufferedMessages, and replayed when the id arrives.
func (e *Engine) ApplyLiveUpdate(patch models.MessagePatch) error {
	if patch.ID == "" {
		return e.malformed("update", "", "missing id")
	}
	e.mu.Lock()
	changed := false
	if _, gone := e.deleted[patch.ID]; !gone {
		if t := e.byID[patch.ID]; t != nil {
			changed = applyPatch(t, patch)
		} else {
			e.bufferLocked(clonePatch(patch))
		}
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	return nil
}

// ApplyLiveDelete removes a message. Deletion is terminal: a later insert or update for
// the same id is ignored, which also covers deletes that arrive before their insert.
func (e *Engine) ApplyLiveDelete(id string) error {
	if id == "" {
		return e.malformed("delete", "", "missing id")
	}
	e.mu.Lock()
	changed := false
	if _, gone := e.deleted[id]; !gone {
		e.deleted[id] = struct{}{}
		delete(e.buffered, id)
		if t := e.byID[id]; t != nil {
			e.remove(t)
			changed = true
		}
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	return nil
}

// ApplyReadReceipt records that userID has read message id.
func (e *Engine) ApplyReadReceipt(id, userID string) error {
	if userID == "" {
		return e.malformed("read", id, "missing user")
	}
	return e.ApplyLiveUpdate(models.MessagePatch{ID: id, ReadBy: []string{userID}})
}

// ApplyConfirmation is the direct return path of a durable write. It converges with a
// racing live echo: whichever arrives second collapses into the entry the first created.
func (e *Engine) ApplyConfirmation(tempID string, msg models.Message) error {
	if err := e.validate(msg); err != nil {
		return err
	}
	if msg.ClientID == "" {
		msg.ClientID = tempID
	}

	e.mu.Lock()
	changed := true
	t := e.lookup(tempID)
	existing := e.byID[msg.ID]
	switch {
	case isDeleted(e.deleted, msg.ID):
		if t != nil {
			e.remove(t)
		} else {
			changed = false
		}
	case t != nil && existing != nil && t != existing:
		e.remove(t)
		mergeConfirmed(existing, msg)
		if existing.ClientID == "" {
			existing.ClientID = msg.ClientID
			e.byClient[existing.ClientID] = existing
		}
		metrics.ReconcileCollapsed.Inc()
	case t != nil && existing == nil:
		e.promote(t, msg)
	default:
		changed = e.upsertConfirmed(msg)
	}
	if changed {
		e.replayLocked(msg.ID)
		e.sortLocked()
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	return nil
}

// ApplyFailure marks a pending write failed. It is a no-op when the entry was already
// confirmed by a racing echo.
func (e *Engine) ApplyFailure(tempID string) bool {
	e.mu.Lock()
	changed := false
	if t := e.lookup(tempID); t != nil && t.Status == models.StatusPending {
		t.Status = models.StatusFailed
		changed = true
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	return changed
}

// MarkPending moves a failed entry back to pending for a retry and returns it.
func (e *Engine) MarkPending(id string) (models.Message, bool) {
	e.mu.Lock()
	t := e.lookup(id)
	if t == nil || t.Status != models.StatusFailed {
		e.mu.Unlock()
		return models.Message{}, false
	}
	t.Status = models.StatusPending
	out := t.Clone()
	e.mu.Unlock()

	e.notify()
	return out, true
}

// Discard drops a failed local entry that the user gave up on.
func (e *Engine) Discard(id string) bool {
	e.mu.Lock()
	t := e.lookup(id)
	ok := t != nil && t.Status == models.StatusFailed
	if ok {
		e.remove(t)
	}
	e.mu.Unlock()

	if ok {
		e.notify()
	}
	return ok
}

func (e *Engine) validate(m models.Message) error {
	switch {
	case m.ID == "":
		return e.malformed("message", "", "missing id")
	case m.ConversationID == "":
		return e.malformed("message", m.ID, "missing conversation")
	case m.SenderID == "":
		return e.malformed("message", m.ID, "missing sender")
	case m.CreatedAt.IsZero():
		return e.malformed("message", m.ID, "missing created_at")
	}
	return nil
}

func (e *Engine) malformed(kind, id, reason string) error {
	metrics.MalformedEvents.WithLabelValues(kind).Inc()
	e.log.Warn().
		Str("conversation_id", e.conversationID).
		Str("event", kind).
		Str("message_id", id).
		Str("reason", reason).
		Msg("dropping malformed event")
	return fmt.Errorf("%s %s: %w", kind, reason, ErrMalformedEvent)
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}

// The helpers below run with e.mu held.

func (e *Engine) lookup(id string) *models.Message {
	if m := e.byID[id]; m != nil {
		return m
	}
	return e.byClient[id]
}

func (e *Engine) upsertConfirmed(m models.Message) bool {
	if isDeleted(e.deleted, m.ID) {
		return false
	}
	changed := false
	if existing := e.byID[m.ID]; existing != nil {
		changed = mergeConfirmed(existing, m)
	} else if t := e.matchPending(m); t != nil {
		e.promote(t, m)
		metrics.ReconcileCollapsed.Inc()
		changed = true
	} else {
		c := m.Clone()
		c.Status = models.StatusConfirmed
		c.MergeReadBy(c.SenderID)
		e.add(c)
		changed = true
	}
	if e.replayLocked(m.ID) {
		changed = true
	}
	return changed
}

// matchPending finds the optimistic entry a confirmed message echoes. The correlation id is
// authoritative when present; otherwise our own messages fall back to sender, kind and
// content within the tolerance window, preferring the closest send time.
func (e *Engine) matchPending(m models.Message) *models.Message {
	if m.ClientID != "" {
		if t := e.byClient[m.ClientID]; t != nil && t.Status != models.StatusConfirmed {
			return t
		}
		return nil
	}
	if m.SenderID != e.selfID {
		return nil
	}
	var best *models.Message
	var bestGap time.Duration
	for _, t := range e.entries {
		if t.Status == models.StatusConfirmed || t.SenderID != m.SenderID ||
			t.Kind != m.Kind || t.Content != m.Content {
			continue
		}
		gap := absDuration(m.CreatedAt.Sub(t.CreatedAt))
		if gap > e.tolerance {
			continue
		}
		if best == nil || gap < bestGap {
			best, bestGap = t, gap
		}
	}
	return best
}

// promote turns pending entry t into confirmed message m without moving it in the slice.
func (e *Engine) promote(t *models.Message, m models.Message) {
	delete(e.byID, t.ID)
	readBy := t.ReadBy
	clientID := t.ClientID

	*t = m.Clone()
	t.Status = models.StatusConfirmed
	if t.ClientID == "" {
		t.ClientID = clientID
	}
	t.MergeReadBy(readBy...)
	t.MergeReadBy(t.SenderID)

	e.byID[t.ID] = t
	if t.ClientID != "" {
		e.byClient[t.ClientID] = t
	}
}

func (e *Engine) bufferLocked(p models.MessagePatch) {
	h := e.buffered[p.ID]
	if h == nil {
		if len(e.buffered) >= MaxBufferedMessages {
			e.evictOldestLocked()
		}
		e.seq++
		h = &held{seq: e.seq}
		e.buffered[p.ID] = h
	}
	if len(h.patches) >= MaxBufferedPerMessage {
		h.patches = h.patches[1:]
		e.log.Debug().Str("message_id", p.ID).Msg("dropped oldest buffered update")
	}
	h.patches = append(h.patches, p)
	e.log.Debug().Str("message_id", p.ID).Msg("buffered update for unknown message")
}

func (e *Engine) evictOldestLocked() {
	oldest := ""
	var lowest uint64
	for id, h := range e.buffered {
		if oldest == "" || h.seq < lowest {
			oldest, lowest = id, h.seq
		}
	}
	delete(e.buffered, oldest)
	e.log.Debug().Str("message_id", oldest).Msg("dropped buffered updates for unknown message")
}

func (e *Engine) replayLocked(id string) bool {
	h, ok := e.buffered[id]
	if !ok {
		return false
	}
	delete(e.buffered, id)
	t := e.byID[id]
	if t == nil {
		return false
	}
	changed := false
	for _, p := range h.patches {
		if applyPatch(t, p) {
			changed = true
		}
	}
	return changed
}

func (e *Engine) add(m models.Message) {
	p := &m
	e.entries = append(e.entries, p)
	e.byID[p.ID] = p
	if p.ClientID != "" {
		e.byClient[p.ClientID] = p
	}
}

func (e *Engine) remove(t *models.Message) {
	for i, m := range e.entries {
		if m == t {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			break
		}
	}
	if e.byID[t.ID] == t {
		delete(e.byID, t.ID)
	}
	if t.ClientID != "" && e.byClient[t.ClientID] == t {
		delete(e.byClient, t.ClientID)
	}
}

func (e *Engine) sortLocked() {
	sort.SliceStable(e.entries, func(i, j int) bool {
		return Less(e.entries[i], e.entries[j])
	})
}

// Less is the display order: createdAt ascending, ties broken by id.
func Less(a, b *models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// mergeConfirmed folds a repeated delivery of m into existing. Content only moves
// forward in edit time, so a stale snapshot cannot undo a newer live edit.
func mergeConfirmed(existing *models.Message, m models.Message) bool {
	changed := false
	if existing.Status != models.StatusConfirmed {
		existing.Status = models.StatusConfirmed
		changed = true
	}
	if !existing.CreatedAt.Equal(m.CreatedAt) {
		existing.CreatedAt = m.CreatedAt
		changed = true
	}
	if !editedBefore(m.EditedAt, existing.EditedAt) {
		if existing.Content != m.Content {
			existing.Content = m.Content
			changed = true
		}
		if m.EditedAt != nil && (existing.EditedAt == nil || !existing.EditedAt.Equal(*m.EditedAt)) {
			t := *m.EditedAt
			existing.EditedAt = &t
			changed = true
		}
	}
	if existing.SenderName == "" && m.SenderName != "" {
		existing.SenderName = m.SenderName
		changed = true
	}
	if existing.File == nil && m.File != nil {
		f := *m.File
		existing.File = &f
		changed = true
	}
	if existing.MergeReadBy(m.ReadBy...) {
		changed = true
	}
	return changed
}

func applyPatch(t *models.Message, p models.MessagePatch) bool {
	changed := false
	if !editedBefore(p.EditedAt, t.EditedAt) {
		if p.Content != nil && t.Content != *p.Content {
			t.Content = *p.Content
			changed = true
		}
		if p.EditedAt != nil && (t.EditedAt == nil || !t.EditedAt.Equal(*p.EditedAt)) {
			at := *p.EditedAt
			t.EditedAt = &at
			changed = true
		}
	}
	if t.MergeReadBy(p.ReadBy...) {
		changed = true
	}
	return changed
}

// editedBefore reports whether edit time a is strictly older than b. Unset a on a
// message that was already edited counts as older.
func editedBefore(a, b *time.Time) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	return a.Before(*b)
}

func clonePatch(p models.MessagePatch) models.MessagePatch {
	if p.Content != nil {
		c := *p.Content
		p.Content = &c
	}
	if p.EditedAt != nil {
		t := *p.EditedAt
		p.EditedAt = &t
	}
	p.ReadBy = append([]string(nil), p.ReadBy...)
	return p
}

func isDeleted(deleted map[string]struct{}, id string) bool {
	_, ok := deleted[id]
	return ok
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
