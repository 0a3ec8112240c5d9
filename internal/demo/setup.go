package demo

import (
	"time"

	"chatsync/internal/models"
	"chatsync/internal/store/memory"
)

// ConversationID is the direct conversation Seed creates.
const ConversationID = "demo-conversation"

// Seed prepares an in-memory store with a conversation between userID and the bot
// and a greeting from the bot.
func Seed(st *memory.Store, userID string, now time.Time) {
	st.AddConversation(models.Conversation{
		ID:             ConversationID,
		Kind:           models.ConversationDirect,
		DisplayName:    BotName,
		ParticipantIDs: []string{userID, BotID},
		CreatedAt:      now.Add(-time.Minute).UTC(),
	})
	st.Seed(models.Message{
		ID:             "demo-welcome",
		ConversationID: ConversationID,
		SenderID:       BotID,
		SenderName:     BotName,
		Content:        "Welcome! This conversation runs fully offline. Say hi.",
		Kind:           models.KindText,
		CreatedAt:      now.Add(-time.Minute).UTC(),
		ReadBy:         []string{BotID},
	})
}
