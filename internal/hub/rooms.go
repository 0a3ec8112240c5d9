// Package hub is the relay's in-memory connection registry: who is connected, which
// conversation rooms each connection joined, and fan-out of transport events.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Peer is one client connection as the hub sees it. Send must preserve call order
// and must not block on a slow client.
type Peer interface {
	ID() string
	UserID() string
	Username() string
	Send(env models.Envelope) error
	Close(code int, reason string) error
}

// MembershipFunc reports whether userID may join conversationID.
type MembershipFunc func(ctx context.Context, conversationID, userID string) (bool, error)

type Option func(*Hub)

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

func WithLeases(ls LeaseStore) Option {
	return func(h *Hub) { h.leases = ls }
}

func WithMembership(fn MembershipFunc) Option {
	return func(h *Hub) { h.membership = fn }
}

// WithRateLimit bounds inbound events per connection.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(h *Hub) {
		h.rate = r
		h.burst = burst
	}
}

func WithHeartbeat(every time.Duration) Option {
	return func(h *Hub) { h.heartbeat = every }
}

func WithTTL(typing, online time.Duration) Option {
	return func(h *Hub) {
		h.typingTTL = typing
		h.onlineTTL = online
	}
}

type conn struct {
	peer    Peer
	limiter *rate.Limiter
	rooms   map[string]struct{}
}

type Hub struct {
	log        zerolog.Logger
	leases     LeaseStore
	membership MembershipFunc
	rate       rate.Limit
	burst      int
	heartbeat  time.Duration
	typingTTL  time.Duration
	onlineTTL  time.Duration

	mu sync.RWMutex
	// room -> connection id -> peer
	rooms map[string]map[string]Peer
	conns map[string]*conn
	// away or offline (untracked); connected users without an entry are online
	status map[string]string
}

func New(opts ...Option) *Hub {
	h := &Hub{
		log:       zerolog.Nop(),
		rate:      rate.Limit(20),
		burst:     40,
		heartbeat: 30 * time.Second,
		typingTTL: 3 * time.Second,
		onlineTTL: 60 * time.Second,
		rooms:     make(map[string]map[string]Peer),
		conns:     make(map[string]*conn),
		status:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.leases == nil {
		h.leases = NewMemoryLeases(nil)
	}
	return h
}

// Register adds a connection, greets it and announces the user when this is their
// first connection.
func (h *Hub) Register(ctx context.Context, p Peer) {
	h.mu.Lock()
	wasOnline := h.userOnlineLocked(p.UserID())
	untracked := h.status[p.UserID()] == models.PresenceOffline
	h.conns[p.ID()] = &conn{
		peer:    p,
		limiter: rate.NewLimiter(h.rate, h.burst),
		rooms:   make(map[string]struct{}),
	}
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	if !untracked {
		if err := h.leases.Heartbeat(ctx, p.UserID(), h.onlineTTL); err != nil {
			h.log.Warn().Err(err).Str("user_id", p.UserID()).Msg("online lease refresh failed")
		}
	}
	h.send(p, models.Envelope{Event: models.EventConnected, UserID: p.UserID(), Username: p.Username(), Timestamp: nowMillis()})
	if !wasOnline {
		h.broadcastAll(models.Envelope{Event: models.EventUserStatus, UserID: p.UserID(), Username: p.Username(), Status: "online", Timestamp: nowMillis()}, p.ID())
	}
	h.broadcastOnline(ctx)
}

// Unregister removes a connection from every room. Returns true if that was the
// user's last connection.
func (h *Hub) Unregister(ctx context.Context, connID string) bool {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	for room := range c.rooms {
		h.leaveLocked(room, connID)
	}
	delete(h.conns, connID)
	userID := c.peer.UserID()
	last := !h.userOnlineLocked(userID)
	untracked := h.status[userID] == models.PresenceOffline
	if last {
		delete(h.status, userID)
	}
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	if last {
		if err := h.leases.Drop(ctx, userID); err != nil {
			h.log.Warn().Err(err).Str("user_id", userID).Msg("lease drop failed")
		}
		if untracked {
			// already announced offline on untrack
			return last
		}
		h.broadcastAll(models.Envelope{Event: models.EventUserStatus, UserID: userID, Username: c.peer.Username(), Status: "offline", Timestamp: nowMillis()}, "")
		h.broadcastOnline(ctx)
	}
	return last
}

func (h *Hub) Join(room, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]Peer)
	}
	h.rooms[room][connID] = c.peer
	c.rooms[room] = struct{}{}
	return true
}

func (h *Hub) Leave(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, connID)
}

func (h *Hub) leaveLocked(room, connID string) {
	if conns, ok := h.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
	if c, ok := h.conns[connID]; ok {
		delete(c.rooms, room)
	}
}

// Broadcast sends to every connection in room except excludeConnID.
func (h *Hub) Broadcast(room string, env models.Envelope, excludeConnID string) {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.rooms[room]))
	for id, p := range h.rooms[room] {
		if id != excludeConnID {
			peers = append(peers, p)
		}
	}
	h.mu.RUnlock()
	for _, p := range peers {
		h.send(p, env)
	}
}

func (h *Hub) broadcastAll(env models.Envelope, excludeConnID string) {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.conns))
	for id, c := range h.conns {
		if id != excludeConnID {
			peers = append(peers, c.peer)
		}
	}
	h.mu.RUnlock()
	for _, p := range peers {
		h.send(p, env)
	}
}

// SendToUser sends to all connections of one user.
func (h *Hub) SendToUser(userID string, env models.Envelope) {
	for _, p := range h.peersOf(userID) {
		h.send(p, env)
	}
}

func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userOnlineLocked(userID)
}

func (h *Hub) IsUserInRoom(userID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.rooms[room] {
		if p.UserID() == userID {
			return true
		}
	}
	return false
}

func (h *Hub) CountUserConnections(userID string) int {
	return len(h.peersOf(userID))
}

// RoomUsers returns the distinct users with a connection in room, sorted.
func (h *Hub) RoomUsers(room string) []string {
	h.mu.RLock()
	seen := make(map[string]struct{})
	for _, p := range h.rooms[room] {
		seen[p.UserID()] = struct{}{}
	}
	h.mu.RUnlock()
	return sortedKeys(seen)
}

// OnlineUsers merges local connections with the shared lease store. Untracked users
// are left out even while connected.
func (h *Hub) OnlineUsers(ctx context.Context) []string {
	shared, err := h.leases.Online(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("online lease read failed")
	}
	seen := make(map[string]struct{})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		seen[c.peer.UserID()] = struct{}{}
	}
	for _, u := range shared {
		seen[u] = struct{}{}
	}
	for u, st := range h.status {
		if st == models.PresenceOffline {
			delete(seen, u)
		}
	}
	return sortedKeys(seen)
}

// UserStatus is the presence a connected user announced: online, away or offline.
// Users without a local connection read as offline.
func (h *Hub) UserStatus(userID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.userOnlineLocked(userID) {
		return models.PresenceOffline
	}
	if st, ok := h.status[userID]; ok {
		return st
	}
	return models.PresenceOnline
}

// setStatus records status for a connected user and returns the previous one.
func (h *Hub) setStatus(userID, status string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.status[userID]
	if !ok {
		prev = models.PresenceOnline
	}
	if !h.userOnlineLocked(userID) {
		return status
	}
	if status == models.PresenceOnline {
		delete(h.status, userID)
	} else {
		h.status[userID] = status
	}
	return prev
}

// Kick revokes every connection of userID. Clients see close code 4001 and must not
// reconnect on their own.
func (h *Hub) Kick(userID string) int {
	peers := h.peersOf(userID)
	for _, p := range peers {
		h.send(p, models.Envelope{Event: models.EventDisconnect, Reason: models.ReasonServerDisconnect, Timestamp: nowMillis()})
		if err := p.Close(models.CloseSessionRevoked, "session revoked"); err != nil {
			h.log.Debug().Err(err).Str("conn_id", p.ID()).Msg("close after revoke")
		}
		metrics.SessionsRevoked.Inc()
	}
	return len(peers)
}

// Run refreshes leases of connected users and pushes online-users snapshots until
// ctx is done.
func (h *Hub) Run(ctx context.Context) {
	every := h.heartbeat
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat round.
func (h *Hub) Tick(ctx context.Context) {
	h.mu.RLock()
	users := make(map[string]struct{})
	for _, c := range h.conns {
		if h.status[c.peer.UserID()] != models.PresenceOffline {
			users[c.peer.UserID()] = struct{}{}
		}
	}
	h.mu.RUnlock()
	for u := range users {
		if err := h.leases.Heartbeat(ctx, u, h.onlineTTL); err != nil {
			h.log.Warn().Err(err).Str("user_id", u).Msg("online lease refresh failed")
		}
	}
	h.broadcastOnline(ctx)
}

func (h *Hub) broadcastOnline(ctx context.Context) {
	h.broadcastAll(models.Envelope{Event: models.EventOnlineUsers, Users: h.OnlineUsers(ctx), Timestamp: nowMillis()}, "")
}

func (h *Hub) peersOf(userID string) []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Peer
	for _, c := range h.conns {
		if c.peer.UserID() == userID {
			out = append(out, c.peer)
		}
	}
	return out
}

func (h *Hub) userOnlineLocked(userID string) bool {
	for _, c := range h.conns {
		if c.peer.UserID() == userID {
			return true
		}
	}
	return false
}

func (h *Hub) send(p Peer, env models.Envelope) {
	if err := p.Send(env); err != nil {
		h.log.Debug().Err(err).Str("conn_id", p.ID()).Str("event", env.Event).Msg("send to peer failed")
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nowMillis() int64 { return time.Now().UnixMilli() }
