package models

import "time"

// Transport events. Client -> relay: join-chat, leave-chat, typing, track, untrack, mark-read, heartbeat.
// Relay -> client: connected, user-typing, online-users, user-status-change, presence-sync,
// message-read, disconnect, error.
const (
	EventConnected    = "connected"
	EventJoinChat     = "join-chat"
	EventLeaveChat    = "leave-chat"
	EventTyping       = "typing"
	EventUserTyping   = "user-typing"
	EventTrack        = "track"
	EventUntrack      = "untrack"
	EventOnlineUsers  = "online-users"
	EventUserStatus   = "user-status-change"
	EventPresenceSync = "presence-sync"
	EventMarkRead     = "mark-read"
	EventMessageRead  = "message-read"
	EventHeartbeat    = "heartbeat"
	EventDisconnect   = "disconnect"
	EventError        = "error"
)

// Presence statuses carried in track and user-status-change. An offline user is
// connected but untracked.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// ValidPresence reports whether s is one of the presence statuses.
func ValidPresence(s string) bool {
	return s == PresenceOnline || s == PresenceAway || s == PresenceOffline
}

// ReasonServerDisconnect marks a relay-initiated disconnect that must not be retried.
const ReasonServerDisconnect = "server disconnect"

// CloseSessionRevoked is the websocket close code the relay uses when it revokes a session.
const CloseSessionRevoked = 4001

// Envelope is the JSON frame carried by the transport in both directions.
type Envelope struct {
	Event     string   `json:"event"`
	ChatID    string   `json:"chat_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	IsTyping  bool     `json:"is_typing,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	Users     []string `json:"users,omitempty"`
	Typing    []string `json:"typing,omitempty"`
	Status    string   `json:"status,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"` // unix millis
}

// Time returns the envelope timestamp, or fallback when unset.
func (e Envelope) Time(fallback time.Time) time.Time {
	if e.Timestamp == 0 {
		return fallback
	}
	ts := e.Timestamp
	// Seconds are accepted too.
	if ts < 1_000_000_000_000 {
		ts *= 1000
	}
	return time.UnixMilli(ts)
}
