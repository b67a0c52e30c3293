// Package v1 defines the inbox realtime protocol v1.
//
// Server and clients share these types so the wire format has one source of truth.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is embedded into every envelope.
const Version = 1

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "inbox.realtime.v1"

// NewConversationMarker may be sent instead of a conversation id on send-message
// to ask the server to resolve the conversation from the receiver.
const NewConversationMarker = "new"

// Client -> server event types.
const (
	TypeJoinConversation = "join-conversation"
	TypeSendMessage      = "send-message"
	TypeMarkRead         = "mark-read"
)

// Server -> client event types.
const (
	TypeJoinSuccess            = "join-success"
	TypeReceiveMessage         = "receive-message"
	TypeNewMessageNotification = "new-message-notification"
	TypeMessageSent            = "message-sent"
	TypeMessagesRead           = "messages-read"
	TypeMarkReadSuccess        = "mark-read-success"
	TypeError                  = "error"
)

// ClientTypes lists the event types a client may send.
var ClientTypes = map[string]struct{}{
	TypeJoinConversation: {},
	TypeSendMessage:      {},
	TypeMarkRead:         {},
}

// Envelope is the wire wrapper for every event in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks an inbound (client -> server) envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

type JoinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID string   `json:"conversationId,omitempty"`
	ReceiverID     string   `json:"receiverId"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
	Type           string   `json:"type,omitempty"`
}

type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

type JoinSuccessPayload struct {
	ConversationID string `json:"conversationId"`
}

// UserSummary is the display identity attached to messages.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Message is the wire form of a persisted message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	Content        string       `json:"content"`
	Attachments    []string     `json:"attachments"`
	Type           string       `json:"type"`
	IsRead         bool         `json:"isRead"`
	SentAt         time.Time    `json:"sentAt"`
	Sender         *UserSummary `json:"sender,omitempty"`
}

type ReceiveMessagePayload struct {
	Message Message `json:"message"`
}

type NewMessageNotificationPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type MessageSentPayload struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
	Count          int    `json:"count"`
}

type MarkReadSuccessPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
