package reconcile

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	conv = "c1"
	me   = "u-me"
	bob  = "u-bob"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id, sender, content string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Kind:           models.KindText,
		CreatedAt:      at,
		Status:         models.StatusConfirmed,
	}
}

func pending(tempID, content string, at time.Time) models.Message {
	return models.Message{
		ID:             tempID,
		ConversationID: conv,
		SenderID:       me,
		Content:        content,
		Kind:           models.KindText,
		CreatedAt:      at,
	}
}

func ids(list []models.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func requireOrdered(t *testing.T, list []models.Message) {
	t.Helper()
	for i := 1; i < len(list); i++ {
		a, b := list[i-1], list[i]
		require.False(t, Less(&b, &a), "entries %s and %s out of order", a.ID, b.ID)
	}
}

func TestSendConfirmScenario(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplySnapshot([]models.Message{
		confirmed("m1", bob, "earlier", t0.Add(-time.Minute)),
		confirmed("m50", bob, "later", t0.Add(time.Minute)),
	}))

	require.NoError(t, e.ApplyOptimistic(pending("t1", "hello", t0.Add(2*time.Minute))))
	list := e.Current()
	require.Len(t, list, 3)
	assert.Equal(t, models.StatusPending, list[2].Status)

	server := confirmed("m42", me, "hello", t0)
	server.ClientID = "t1"
	require.NoError(t, e.ApplyConfirmation("t1", server))

	list = e.Current()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"m1", "m42", "m50"}, ids(list))
	assert.Equal(t, models.StatusConfirmed, list[1].Status)
	assert.Equal(t, "hello", list[1].Content)
	assert.True(t, list[1].CreatedAt.Equal(t0))
}

func TestSelfEchoWithoutCorrelationID(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyOptimistic(pending("t1", "hi there", t0)))

	echo := confirmed("m7", me, "hi there", t0.Add(800*time.Millisecond))
	require.NoError(t, e.ApplyLiveInsert(echo))

	list := e.Current()
	require.Len(t, list, 1)
	assert.Equal(t, "m7", list[0].ID)
	assert.Equal(t, models.StatusConfirmed, list[0].Status)

	// The direct return path then lands and must not add a second entry.
	require.NoError(t, e.ApplyConfirmation("t1", echo))
	assert.Len(t, e.Current(), 1)
}

func TestSelfEchoOutsideToleranceIsNotMerged(t *testing.T) {
	e := New(conv, me, WithTolerance(time.Second))
	require.NoError(t, e.ApplyOptimistic(pending("t1", "same", t0)))
	require.NoError(t, e.ApplyLiveInsert(confirmed("m1", me, "same", t0.Add(time.Hour))))

	assert.Len(t, e.Current(), 2)
}

func TestCorrelationIDWinsOverContent(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyOptimistic(pending("t1", "ok", t0)))
	require.NoError(t, e.ApplyOptimistic(pending("t2", "ok", t0.Add(10*time.Millisecond))))

	second := confirmed("m2", me, "ok", t0.Add(50*time.Millisecond))
	second.ClientID = "t2"
	require.NoError(t, e.ApplyLiveInsert(second))

	m, ok := e.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, m.Status, "t1 must stay pending")

	m, ok = e.Get("m2")
	require.True(t, ok)
	assert.Equal(t, "t2", m.ClientID)
	assert.Len(t, e.Current(), 2)
}

func TestRapidIdenticalMessagesMatchClosestSendTime(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyOptimistic(pending("t1", "ok", t0)))
	require.NoError(t, e.ApplyOptimistic(pending("t2", "ok", t0.Add(2*time.Second))))

	require.NoError(t, e.ApplyLiveInsert(confirmed("m2", me, "ok", t0.Add(2100*time.Millisecond))))

	m, ok := e.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, m.Status)
	_, ok = e.Get("t2")
	assert.True(t, ok, "t2 is still reachable by correlation id")
	m, _ = e.Get("m2")
	assert.Equal(t, "t2", m.ClientID)
}

func TestEchoArrivesAfterUnmatchedConfirmation(t *testing.T) {
	e := New(conv, me, WithTolerance(time.Millisecond))
	require.NoError(t, e.ApplyOptimistic(pending("t1", "x", t0)))

	// Echo lands first but is too far from the client clock to be matched, so it is
	// appended; the confirmation then collapses the pending entry into it.
	echo := confirmed("m9", me, "x", t0.Add(time.Minute))
	require.NoError(t, e.ApplyLiveInsert(echo))
	require.Len(t, e.Current(), 2)

	require.NoError(t, e.ApplyConfirmation("t1", echo))
	list := e.Current()
	require.Len(t, list, 1)
	assert.Equal(t, "m9", list[0].ID)
	assert.Equal(t, "t1", list[0].ClientID)
}

func TestLiveInsertFromOtherSessionOfSelfIsAppended(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyLiveInsert(confirmed("m1", me, "from my phone", t0)))
	assert.Len(t, e.Current(), 1)
}

func TestFailureAndRetry(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyOptimistic(pending("t1", "flaky", t0)))
	require.True(t, e.ApplyFailure("t1"))

	m, _ := e.Get("t1")
	assert.Equal(t, models.StatusFailed, m.Status)

	_, ok := e.MarkPending("t1")
	require.True(t, ok)
	_, ok = e.MarkPending("t1")
	assert.False(t, ok, "only failed entries can be retried")

	server := confirmed("m1", me, "flaky", t0.Add(time.Second))
	server.ClientID = "t1"
	require.NoError(t, e.ApplyConfirmation("t1", server))
	require.NoError(t, e.ApplyLiveInsert(server))

	list := e.Current()
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusConfirmed, list[0].Status)
}

func TestFailureAfterEchoIsIgnored(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyOptimistic(pending("t1", "a", t0)))
	echo := confirmed("m1", me, "a", t0)
	echo.ClientID = "t1"
	require.NoError(t, e.ApplyLiveInsert(echo))

	assert.False(t, e.ApplyFailure("t1"))
	m, _ := e.Get("m1")
	assert.Equal(t, models.StatusConfirmed, m.Status)
}

func TestSnapshotRacingLiveInsert(t *testing.T) {
	e := New(conv, me)
	m4 := confirmed("m4", bob, "four", t0.Add(4*time.Second))
	require.NoError(t, e.ApplyLiveInsert(m4))

	snapshot := []models.Message{
		confirmed("m1", bob, "one", t0.Add(time.Second)),
		confirmed("m2", bob, "two", t0.Add(2*time.Second)),
		confirmed("m3", bob, "three", t0.Add(3*time.Second)),
	}
	require.NoError(t, e.ApplySnapshot(snapshot))
	require.NoError(t, e.ApplyLiveInsert(m4))
	require.NoError(t, e.ApplySnapshot(append(snapshot, m4)))

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(e.Current()))
}

func TestResyncRemovesRowsMissingInsideItsRange(t *testing.T) {
	e := New(conv, me)
	m1 := confirmed("m1", bob, "one", t0.Add(time.Second))
	m2 := confirmed("m2", bob, "two", t0.Add(2*time.Second))
	m3 := confirmed("m3", bob, "three", t0.Add(3*time.Second))
	older := confirmed("m0", bob, "before the window", t0)
	newer := confirmed("m4", bob, "raced the read", t0.Add(4*time.Second))
	require.NoError(t, e.ApplySnapshot([]models.Message{older, m1, m2, m3}))
	require.NoError(t, e.ApplyLiveInsert(newer))
	require.NoError(t, e.ApplyOptimistic(pending("t1", "draft", t0.Add(2500*time.Millisecond))))

	// a plain snapshot never removes
	require.NoError(t, e.ApplySnapshot([]models.Message{m1, m3}))
	assert.Equal(t, []string{"m0", "m1", "m2", "t1", "m3", "m4"}, ids(e.Current()))

	require.NoError(t, e.ApplyResync([]models.Message{m1, m3}))
	assert.Equal(t, []string{"m0", "m1", "t1", "m3", "m4"}, ids(e.Current()))

	require.NoError(t, e.ApplyResync([]models.Message{m1, m3}))
	require.NoError(t, e.ApplyLiveInsert(m2))
	assert.Equal(t, []string{"m0", "m1", "t1", "m3", "m4"}, ids(e.Current()))

	// an empty read carries no range
	require.NoError(t, e.ApplyResync(nil))
	assert.Len(t, e.Current(), 5)
}

func TestUpdateBeforeInsertIsReplayed(t *testing.T) {
	edited := t0.Add(time.Minute)
	content := "edited"
	patch := models.MessagePatch{ID: "m1", Content: &content, EditedAt: &edited}

	early := New(conv, me)
	require.NoError(t, early.ApplyLiveUpdate(patch))
	require.Empty(t, early.Current())
	require.NoError(t, early.ApplyLiveInsert(confirmed("m1", bob, "original", t0)))

	inOrder := New(conv, me)
	require.NoError(t, inOrder.ApplyLiveInsert(confirmed("m1", bob, "original", t0)))
	require.NoError(t, inOrder.ApplyLiveUpdate(patch))

	assert.Equal(t, inOrder.Current(), early.Current())
	assert.Equal(t, "edited", early.Current()[0].Content)
}

func TestUpdateBeforeSnapshotIsReplayed(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyReadReceipt("m1", bob))
	require.NoError(t, e.ApplySnapshot([]models.Message{confirmed("m1", me, "hi", t0)}))

	m, ok := e.Get("m1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{me, bob}, m.ReadBy)
}

func TestBufferedUpdatesAreCapped(t *testing.T) {
	e := New(conv, me)
	extra := 8
	for i := 0; i < MaxBufferedPerMessage+extra; i++ {
		require.NoError(t, e.ApplyReadReceipt("m1", fmt.Sprintf("u%d", i)))
	}
	require.NoError(t, e.ApplyLiveInsert(confirmed("m1", bob, "hi", t0)))
	m, ok := e.Get("m1")
	require.True(t, ok)
	assert.False(t, m.HasReadBy("u0"))
	assert.False(t, m.HasReadBy(fmt.Sprintf("u%d", extra-1)))
	assert.True(t, m.HasReadBy(fmt.Sprintf("u%d", extra)))
	assert.True(t, m.HasReadBy(fmt.Sprintf("u%d", MaxBufferedPerMessage+extra-1)))

	// past the message limit the longest-waiting id is dropped
	for i := 0; i <= MaxBufferedMessages; i++ {
		require.NoError(t, e.ApplyReadReceipt(fmt.Sprintf("x%d", i), bob))
	}
	assert.Len(t, e.buffered, MaxBufferedMessages)
	require.NoError(t, e.ApplyLiveInsert(confirmed("x0", me, "first", t0.Add(time.Second))))
	require.NoError(t, e.ApplyLiveInsert(confirmed("x1", me, "second", t0.Add(2*time.Second))))
	first, _ := e.Get("x0")
	second, _ := e.Get("x1")
	assert.False(t, first.HasReadBy(bob))
	assert.True(t, second.HasReadBy(bob))
}

func TestDeleteBeforeInsertIsTerminal(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyLiveDelete("m1"))
	require.NoError(t, e.ApplyLiveInsert(confirmed("m1", bob, "gone", t0)))
	require.NoError(t, e.ApplySnapshot([]models.Message{confirmed("m1", bob, "gone", t0)}))
	assert.Empty(t, e.Current())
}

func TestDeleteRemovesEntry(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplySnapshot([]models.Message{
		confirmed("m1", bob, "a", t0),
		confirmed("m2", me, "b", t0.Add(time.Second)),
	}))
	require.NoError(t, e.ApplyLiveDelete("m1"))
	require.NoError(t, e.ApplyLiveDelete("m1"))
	assert.Equal(t, []string{"m2"}, ids(e.Current()))
}

func TestStaleSnapshotDoesNotUndoEdit(t *testing.T) {
	e := New(conv, me)
	original := confirmed("m1", bob, "v1", t0)
	require.NoError(t, e.ApplyLiveInsert(original))

	edited := t0.Add(time.Minute)
	v2 := "v2"
	require.NoError(t, e.ApplyLiveUpdate(models.MessagePatch{ID: "m1", Content: &v2, EditedAt: &edited}))
	require.NoError(t, e.ApplySnapshot([]models.Message{original}))

	m, _ := e.Get("m1")
	assert.Equal(t, "v2", m.Content)
	require.NotNil(t, m.EditedAt)
	assert.True(t, m.EditedAt.Equal(edited))
}

func TestTiesBrokenByID(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplySnapshot([]models.Message{
		confirmed("b", bob, "x", t0),
		confirmed("a", bob, "y", t0),
		confirmed("c", bob, "z", t0.Add(-time.Second)),
	}))
	assert.Equal(t, []string{"c", "a", "b"}, ids(e.Current()))
}

func TestMalformedEventsAreDropped(t *testing.T) {
	e := New(conv, me)
	bad := confirmed("", bob, "no id", t0)
	assert.ErrorIs(t, e.ApplyLiveInsert(bad), ErrMalformedEvent)

	noSender := confirmed("m1", "", "x", t0)
	assert.ErrorIs(t, e.ApplyLiveInsert(noSender), ErrMalformedEvent)

	noTime := confirmed("m2", bob, "x", time.Time{})
	assert.ErrorIs(t, e.ApplyLiveInsert(noTime), ErrMalformedEvent)

	assert.ErrorIs(t, e.ApplyLiveUpdate(models.MessagePatch{}), ErrMalformedEvent)
	assert.ErrorIs(t, e.ApplyLiveDelete(""), ErrMalformedEvent)

	err := e.ApplySnapshot([]models.Message{confirmed("m3", bob, "ok", t0), bad})
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.Equal(t, []string{"m3"}, ids(e.Current()), "valid rows still apply")
}

func TestOtherConversationIgnored(t *testing.T) {
	e := New(conv, me)
	other := confirmed("m1", bob, "x", t0)
	other.ConversationID = "c2"
	require.NoError(t, e.ApplyLiveInsert(other))
	assert.Empty(t, e.Current())
}

func TestOnChangeFires(t *testing.T) {
	calls := 0
	e := New(conv, me, WithOnChange(func() { calls++ }))
	m := confirmed("m1", bob, "x", t0)
	require.NoError(t, e.ApplyLiveInsert(m))
	require.NoError(t, e.ApplyLiveInsert(m))
	assert.Equal(t, 1, calls, "a no-op replay does not notify")
}

func TestCurrentReturnsCopies(t *testing.T) {
	e := New(conv, me)
	require.NoError(t, e.ApplyLiveInsert(confirmed("m1", bob, "x", t0)))
	list := e.Current()
	list[0].Content = "mutated"
	list[0].ReadBy[0] = "nobody"

	m, _ := e.Get("m1")
	assert.Equal(t, "x", m.Content)
	assert.Equal(t, []string{bob}, m.ReadBy)
}

// serverModel is the authoritative state the random event streams are drawn from.
type serverModel struct {
	rng  *rand.Rand
	msgs map[string]models.Message
	seq  int
	now  time.Time
}

type op struct {
	name  string
	apply func(*Engine)
}

func (s *serverModel) next() op {
	s.now = s.now.Add(time.Duration(1+s.rng.Intn(3)) * time.Second)
	live := make([]string, 0, len(s.msgs))
	for id := range s.msgs {
		live = append(live, id)
	}
	// Map iteration order is random; sort for a reproducible choice.
	sort.Strings(live)

	switch choice := s.rng.Intn(10); {
	case choice < 4 || len(live) == 0:
		s.seq++
		sender := bob
		if s.rng.Intn(2) == 0 {
			sender = me
		}
		m := confirmed(fmt.Sprintf("m%03d", s.seq), sender, fmt.Sprintf("msg %d", s.seq), s.now)
		s.msgs[m.ID] = m
		return op{"insert " + m.ID, func(e *Engine) { _ = e.ApplyLiveInsert(m) }}
	case choice < 6:
		id := live[s.rng.Intn(len(live))]
		m := s.msgs[id]
		content := fmt.Sprintf("%s (edit %d)", id, s.rng.Intn(1000))
		at := s.now
		m.Content, m.EditedAt = content, &at
		s.msgs[id] = m
		p := models.MessagePatch{ID: id, Content: &content, EditedAt: &at}
		return op{"update " + id, func(e *Engine) { _ = e.ApplyLiveUpdate(p) }}
	case choice < 7:
		id := live[s.rng.Intn(len(live))]
		delete(s.msgs, id)
		return op{"delete " + id, func(e *Engine) { _ = e.ApplyLiveDelete(id) }}
	case choice < 8:
		id := live[s.rng.Intn(len(live))]
		return op{"read " + id, func(e *Engine) { _ = e.ApplyReadReceipt(id, me) }}
	case choice < 9:
		full := make([]models.Message, 0, len(live))
		for _, id := range live {
			full = append(full, s.msgs[id].Clone())
		}
		return op{"resync", func(e *Engine) { _ = e.ApplyResync(full) }}
	default:
		snap := make([]models.Message, 0, len(live))
		for _, id := range live {
			if s.rng.Intn(3) > 0 {
				snap = append(snap, s.msgs[id].Clone())
			}
		}
		return op{"snapshot", func(e *Engine) { _ = e.ApplySnapshot(snap) }}
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		srv := &serverModel{rng: rand.New(rand.NewSource(seed)), msgs: map[string]models.Message{}, now: t0}
		e := New(conv, me)
		var history []op

		for step := 0; step < 120; step++ {
			o := srv.next()
			history = append(history, o)

			o.apply(e)
			before := e.Current()
			requireOrdered(t, before)

			o.apply(e)
			require.Equal(t, before, e.Current(), "seed %d step %d: replaying %s changed the list", seed, step, o.name)

			old := history[srv.rng.Intn(len(history))]
			old.apply(e)
			require.Equal(t, before, e.Current(), "seed %d step %d: late replay of %s changed the list", seed, step, old.name)
		}
	}
}
