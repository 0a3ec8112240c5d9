package models

import (
	"sort"
	"time"
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	DisplayName        string           `json:"display_name"`
	ParticipantIDs     []string         `json:"participant_ids"`
	LastMessagePreview string           `json:"last_message_preview"`
	LastMessageAt      *time.Time       `json:"last_message_at,omitempty"`
	UnreadCount        int              `json:"unread_count"`
	CreatedAt          time.Time        `json:"created_at"`
}

// HasParticipant reports membership of userID.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type CreateConversationRequest struct {
	Kind           ConversationKind `json:"kind"`
	DisplayName    string           `json:"display_name"`
	CreatedBy      string           `json:"created_by"`
	ParticipantIDs []string         `json:"participant_ids"`
}

// SortConversations orders by last activity, newest first, then by id.
func SortConversations(convs []Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		a, b := convs[i].activity(), convs[j].activity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return convs[i].ID < convs[j].ID
	})
}

func (c *Conversation) activity() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// UniqueIDs drops empty and repeated ids, keeping first-seen order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type CreateDirectRoomRequest struct {
	RecipientID string `json:"recipient_id"`
}

type RoomResponse struct {
	RoomID string `json:"room_id"`
	IsNew  bool   `json:"is_new"`
}
