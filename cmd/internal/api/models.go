package api

import (
	"time"

	"inbox/cmd/identity"
	"inbox/cmd/internal/messaging"
	"inbox/cmd/internal/realtime"
	v1 "inbox/shared/contracts/realtime/v1"
)

type createConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
}

type archiveRequest struct {
	Archive *bool `json:"archive"`
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type sendMessageRequest struct {
	ConversationID string   `json:"conversationId"`
	ReceiverID     string   `json:"receiverId"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments"`
	Type           string   `json:"type"`
}

type conversationResponse struct {
	ID            string         `json:"id"`
	Participants  []string       `json:"participants"`
	Counterpart   v1.UserSummary `json:"counterpart"`
	LastMessage   string         `json:"lastMessage"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
	UnreadCount   int            `json:"unreadCount"`
	IsArchived    bool           `json:"isArchived"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Messages      []v1.Message   `json:"messages,omitempty"`
}

type conversationEnvelope struct {
	Conversation conversationResponse `json:"conversation"`
}

type conversationsEnvelope struct {
	Conversations []conversationResponse `json:"conversations"`
}

type messageEnvelope struct {
	Message v1.Message `json:"message"`
}

type messagesEnvelope struct {
	Messages []v1.Message `json:"messages"`
}

type readResponse struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

type inboxEntryResponse struct {
	User        v1.UserSummary `json:"user"`
	LastMessage v1.Message     `json:"lastMessage"`
	UnreadCount int            `json:"unreadCount"`
}

type inboxEnvelope struct {
	Conversations []inboxEntryResponse `json:"conversations"`
}

func toUserSummary(u identity.User) v1.UserSummary {
	return v1.UserSummary{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		Role:        string(u.Role),
	}
}

func toMessagesResponse(msgs []messaging.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, realtime.WireMessage(m, nil))
	}
	return out
}

func toConversationResponse(v messaging.ConversationView) conversationResponse {
	c := v.Conversation
	return conversationResponse{
		ID:            c.ID,
		Participants:  []string{c.Participants[0], c.Participants[1]},
		Counterpart:   toUserSummary(v.Counterpart),
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   v.UnreadCount,
		IsArchived:    v.IsArchived,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}
