package hub

import (
	"context"

	"chatsync/internal/metrics"
	"chatsync/internal/models"
)

// HandleEvent dispatches one inbound event from connID. Identity fields are always
// taken from the authenticated peer, never from the payload.
func (h *Hub) HandleEvent(ctx context.Context, connID string, env models.Envelope) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !c.limiter.Allow() {
		metrics.WSRateLimited.Inc()
		h.send(c.peer, models.Envelope{Event: models.EventError, Reason: "rate limited", Timestamp: nowMillis()})
		return
	}
	metrics.WSEventsTotal.WithLabelValues(env.Event).Inc()

	p := c.peer
	env.UserID = p.UserID()
	env.Username = p.Username()
	env.Timestamp = nowMillis()

	switch env.Event {
	case models.EventJoinChat:
		h.handleJoin(ctx, p, env)
	case models.EventLeaveChat:
		h.handleLeave(ctx, p, env)
	case models.EventTyping:
		h.handleTyping(ctx, p, env)
	case models.EventMarkRead:
		h.handleMarkRead(p, env)
	case models.EventTrack:
		h.handleTrack(ctx, p, env.Status)
	case models.EventHeartbeat:
		h.handleHeartbeat(ctx, p)
	case models.EventUntrack:
		h.handleUntrack(ctx, p)
	default:
		h.log.Debug().Str("event", env.Event).Str("conn_id", p.ID()).Msg("unknown event")
		h.send(p, models.Envelope{Event: models.EventError, Reason: "unknown event " + env.Event, Timestamp: nowMillis()})
	}
}

func (h *Hub) handleJoin(ctx context.Context, p Peer, env models.Envelope) {
	if env.ChatID == "" {
		return
	}
	if h.membership != nil {
		ok, err := h.membership(ctx, env.ChatID, p.UserID())
		if err != nil {
			h.log.Error().Err(err).Str("chat_id", env.ChatID).Msg("membership check failed")
		}
		if !ok {
			h.send(p, models.Envelope{Event: models.EventError, ChatID: env.ChatID, Reason: "not a participant", Timestamp: nowMillis()})
			return
		}
	}
	h.Join(env.ChatID, p.ID())

	typing, err := h.leases.Typing(ctx, env.ChatID)
	if err != nil {
		h.log.Warn().Err(err).Str("chat_id", env.ChatID).Msg("typing lease read failed")
	}
	h.send(p, models.Envelope{
		Event:     models.EventPresenceSync,
		ChatID:    env.ChatID,
		Users:     h.RoomUsers(env.ChatID),
		Typing:    without(typing, p.UserID()),
		Timestamp: nowMillis(),
	})
}

func (h *Hub) handleLeave(ctx context.Context, p Peer, env models.Envelope) {
	h.Leave(env.ChatID, p.ID())
	if h.IsUserInRoom(p.UserID(), env.ChatID) {
		return
	}
	if err := h.leases.ClearTyping(ctx, env.ChatID, p.UserID()); err != nil {
		h.log.Warn().Err(err).Msg("typing lease clear failed")
	}
}

func (h *Hub) handleTyping(ctx context.Context, p Peer, env models.Envelope) {
	if env.ChatID == "" || !h.inRoom(p.ID(), env.ChatID) {
		return
	}
	var err error
	if env.IsTyping {
		err = h.leases.SetTyping(ctx, env.ChatID, p.UserID(), h.typingTTL)
	} else {
		err = h.leases.ClearTyping(ctx, env.ChatID, p.UserID())
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("typing lease update failed")
	}
	h.Broadcast(env.ChatID, models.Envelope{
		Event:     models.EventUserTyping,
		ChatID:    env.ChatID,
		UserID:    env.UserID,
		Username:  env.Username,
		IsTyping:  env.IsTyping,
		Timestamp: env.Timestamp,
	}, p.ID())
}

func (h *Hub) handleMarkRead(p Peer, env models.Envelope) {
	if env.ChatID == "" || env.MessageID == "" || !h.inRoom(p.ID(), env.ChatID) {
		return
	}
	h.Broadcast(env.ChatID, models.Envelope{
		Event:     models.EventMessageRead,
		ChatID:    env.ChatID,
		MessageID: env.MessageID,
		UserID:    env.UserID,
		Username:  env.Username,
		Timestamp: env.Timestamp,
	}, p.ID())
}

// handleTrack (re)announces the user as online or away. Tracking again after an
// untrack brings the user back into the online set.
func (h *Hub) handleTrack(ctx context.Context, p Peer, status string) {
	if status == "" {
		status = models.PresenceOnline
	}
	if status == models.PresenceOffline {
		h.handleUntrack(ctx, p)
		return
	}
	if !models.ValidPresence(status) {
		h.send(p, models.Envelope{Event: models.EventError, Reason: "invalid status " + status, Timestamp: nowMillis()})
		return
	}
	prev := h.setStatus(p.UserID(), status)
	if err := h.leases.Heartbeat(ctx, p.UserID(), h.onlineTTL); err != nil {
		h.log.Warn().Err(err).Msg("online lease refresh failed")
	}
	if prev != status {
		h.broadcastAll(models.Envelope{Event: models.EventUserStatus, UserID: p.UserID(), Username: p.Username(), Status: status, Timestamp: nowMillis()}, "")
	}
	if prev == models.PresenceOffline {
		h.broadcastOnline(ctx)
		return
	}
	h.send(p, models.Envelope{Event: models.EventOnlineUsers, Users: h.OnlineUsers(ctx), Timestamp: nowMillis()})
}

// handleHeartbeat refreshes the lease of a tracked user. Untracked users stay offline.
func (h *Hub) handleHeartbeat(ctx context.Context, p Peer) {
	if h.UserStatus(p.UserID()) == models.PresenceOffline {
		return
	}
	if err := h.leases.Heartbeat(ctx, p.UserID(), h.onlineTTL); err != nil {
		h.log.Warn().Err(err).Msg("online lease refresh failed")
	}
	h.send(p, models.Envelope{Event: models.EventOnlineUsers, Users: h.OnlineUsers(ctx), Timestamp: nowMillis()})
}

// handleUntrack removes the user from presence while their connections stay open.
func (h *Hub) handleUntrack(ctx context.Context, p Peer) {
	if h.setStatus(p.UserID(), models.PresenceOffline) == models.PresenceOffline {
		return
	}
	if err := h.leases.Drop(ctx, p.UserID()); err != nil {
		h.log.Warn().Err(err).Msg("untrack failed")
	}
	h.broadcastAll(models.Envelope{Event: models.EventUserStatus, UserID: p.UserID(), Username: p.Username(), Status: models.PresenceOffline, Timestamp: nowMillis()}, "")
	h.broadcastOnline(ctx)
}

func (h *Hub) inRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
