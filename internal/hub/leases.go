package hub

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LeaseStore keeps presence leases: online users and typing users per room. Entries
// vanish once their TTL passes without a refresh.
type LeaseStore interface {
	Heartbeat(ctx context.Context, userID string, ttl time.Duration) error
	Drop(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]string, error)

	SetTyping(ctx context.Context, room, userID string, ttl time.Duration) error
	ClearTyping(ctx context.Context, room, userID string) error
	Typing(ctx context.Context, room string) ([]string, error)
}

type typingKey struct {
	room   string
	userID string
}

// MemoryLeases is a process-local LeaseStore.
type MemoryLeases struct {
	now func() time.Time

	mu     sync.Mutex
	online map[string]time.Time
	typing map[typingKey]time.Time
}

// NewMemoryLeases uses now as its clock, or time.Now when nil.
func NewMemoryLeases(now func() time.Time) *MemoryLeases {
	if now == nil {
		now = time.Now
	}
	return &MemoryLeases{
		now:    now,
		online: make(map[string]time.Time),
		typing: make(map[typingKey]time.Time),
	}
}

func (m *MemoryLeases) Heartbeat(_ context.Context, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryLeases) Drop(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userID)
	for k := range m.typing {
		if k.userID == userID {
			delete(m.typing, k)
		}
	}
	return nil
}

func (m *MemoryLeases) Online(context.Context) ([]string, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for u, exp := range m.online {
		if !now.Before(exp) {
			delete(m.online, u)
			continue
		}
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryLeases) SetTyping(_ context.Context, room, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[typingKey{room: room, userID: userID}] = m.now().Add(ttl)
	return nil
}

func (m *MemoryLeases) ClearTyping(_ context.Context, room, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.typing, typingKey{room: room, userID: userID})
	return nil
}

func (m *MemoryLeases) Typing(_ context.Context, room string) ([]string, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, exp := range m.typing {
		if !now.Before(exp) {
			delete(m.typing, k)
			continue
		}
		if k.room == room {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out, nil
}
