package models

import (
	"sort"
	"time"
)

type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// FileRef points at an uploaded object. Uploading itself happens elsewhere.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id,omitempty"` // correlation id threaded through the write
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name"`
	Content        string        `json:"content"`
	File           *FileRef      `json:"file,omitempty"`
	Kind           MessageKind   `json:"kind"`
	CreatedAt      time.Time     `json:"created_at"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	Status         MessageStatus `json:"status"`
	ReadBy         []string      `json:"read_by"`
}

// Clone returns a deep copy so callers never share slices with the engine.
func (m Message) Clone() Message {
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return m
}

// HasReadBy reports whether userID is in the read set.
func (m *Message) HasReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MergeReadBy unions ids into the read set, keeping it sorted. Returns true if the set grew.
func (m *Message) MergeReadBy(ids ...string) bool {
	grew := false
	for _, id := range ids {
		if id == "" || m.HasReadBy(id) {
			continue
		}
		m.ReadBy = append(m.ReadBy, id)
		grew = true
	}
	if grew {
		sort.Strings(m.ReadBy)
	}
	return grew
}

// MessagePatch is a partial update from the change feed or a local edit.
type MessagePatch struct {
	ID       string     `json:"id"`
	Content  *string    `json:"content,omitempty"`
	EditedAt *time.Time `json:"edited_at,omitempty"`
	ReadBy   []string   `json:"read_by,omitempty"`
}

// NewMessage is the durable write request.
type NewMessage struct {
	ClientID       string      `json:"client_id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	SenderName     string      `json:"sender_name"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	File           *FileRef    `json:"file,omitempty"`
}

const previewLen = 80

// Preview is the one-line summary shown in conversation lists.
func Preview(m Message) string {
	if m.Kind == KindFile && m.File != nil {
		return "[file] " + m.File.Name
	}
	r := []rune(m.Content)
	if len(r) > previewLen {
		return string(r[:previewLen]) + "..."
	}
	return m.Content
}
