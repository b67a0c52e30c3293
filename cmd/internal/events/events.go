// Package events publishes domain events (message sent, messages read) for
// downstream consumers such as notification and analytics services.
//
// Publishing is best-effort: callers log failures and never roll back the
// write that produced the event.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event type names.
const (
	TypeMessageSent  = "message.sent"
	TypeMessagesRead = "messages.read"
)

// Event is one domain event. Key selects the partition, so events of one
// conversation stay ordered.
type Event struct {
	Type string          `json:"type"`
	Key  string          `json:"key"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// New builds an Event with data marshaled to JSON.
func New(eventType, key string, at time.Time, data any) (Event, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{Type: eventType, Key: key, At: at.UTC(), Data: b}, nil
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// MessageSent is the payload of TypeMessageSent.
type MessageSent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Type           string    `json:"type"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sentAt"`
}

// MessagesRead is the payload of TypeMessagesRead.
type MessagesRead struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	Count          int    `json:"count"`
}
