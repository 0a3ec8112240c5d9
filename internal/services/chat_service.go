package services

import (
	"context"
	"errors"
	"fmt"

	"chatsync/internal/models"
	"chatsync/internal/store"
)

var ErrSelfConversation = errors.New("cannot open a direct conversation with yourself")

// ChatService is the relay's view of conversations. Durable state lives in the store.
type ChatService struct {
	store store.Store
}

func NewChatService(st store.Store) *ChatService {
	return &ChatService{store: st}
}

func (s *ChatService) GetOrCreateDirectRoom(ctx context.Context, userID, recipientID string) (*models.RoomResponse, error) {
	if userID == recipientID {
		return nil, ErrSelfConversation
	}
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		if c.Kind == models.ConversationDirect && len(c.ParticipantIDs) == 2 && c.HasParticipant(recipientID) {
			return &models.RoomResponse{RoomID: c.ID, IsNew: false}, nil
		}
	}

	conv, err := s.store.CreateConversation(ctx, models.CreateConversationRequest{
		Kind:           models.ConversationDirect,
		CreatedBy:      userID,
		ParticipantIDs: []string{recipientID},
	})
	if err != nil {
		return nil, fmt.Errorf("create direct conversation: %w", err)
	}
	return &models.RoomResponse{RoomID: conv.ID, IsNew: true}, nil
}

func (s *ChatService) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// CreateGroup always includes the creator.
func (s *ChatService) CreateGroup(ctx context.Context, userID, name string, participants []string) (*models.Conversation, error) {
	return s.store.CreateConversation(ctx, models.CreateConversationRequest{
		Kind:           models.ConversationGroup,
		DisplayName:    name,
		CreatedBy:      userID,
		ParticipantIDs: participants,
	})
}

// IsParticipant backs the hub's join-chat membership check.
func (s *ChatService) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range convs {
		if c.ID == conversationID {
			return true, nil
		}
	}
	return false, nil
}
