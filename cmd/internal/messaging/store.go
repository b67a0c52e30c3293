package messaging

import (
	"context"
	"time"
)

// Store persists conversations and messages.
//
// Requirements:
//   - At most one active conversation (not deleted for both) per unordered pair;
//     CreateConversation returns ErrConflict when it would create a second one.
//   - AppendMessage writes the message and the conversation summary as one unit
//     where the backend allows it; otherwise it returns the written message together
//     with an ErrSummaryStale error.
//   - Unread counters change only through field-level operations on the addressed
//     participant, never by rewriting the whole document.
//   - Message lists are ordered by SentAt ASC, then Seq ASC.
type Store interface {
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)
	FindActiveConversation(ctx context.Context, a, b string) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) (Conversation, error)
	SetDeleted(ctx context.Context, conversationID, userID string, deleted bool) (Conversation, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error)
	ListMessagesBetween(ctx context.Context, a, b string) ([]Message, error)

	MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error)
	RecountUnread(ctx context.Context, conversationID string) (map[string]int, error)
	CounterpartSummaries(ctx context.Context, userID string) ([]CounterpartSummary, error)

	Close() error
}

// CreateConversationInput describes a new conversation.
type CreateConversationInput struct {
	ID           string
	Participants [2]string
	Now          time.Time
}

// AppendMessageInput describes a message append request. The store assigns
// the id, the per-conversation seq and the final SentAt (never earlier than
// the conversation's current LastMessageAt).
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Attachments    []string
	Type           MessageType
	Now            time.Time
}

// AppendMessageResult carries the stored message and the updated conversation.
type AppendMessageResult struct {
	Message      Message
	Conversation Conversation
}

// MarkReadInput flips the reader's unread messages in one conversation.
// An empty MessageIDs means every unread message addressed to the reader.
type MarkReadInput struct {
	ConversationID string
	ReaderID       string
	MessageIDs     []string
	Now            time.Time
}

// MarkReadResult reports how many messages transitioned and how many of the
// reader's messages remain unread (the value written to the counter).
type MarkReadResult struct {
	Count     int
	Remaining int
}

func validateConversationInput(op string, in CreateConversationInput) error {
	if in.ID == "" {
		return invalid(op, "missing conversation id")
	}
	a, b := in.Participants[0], in.Participants[1]
	if a == "" || b == "" {
		return invalid(op, "missing participant")
	}
	if a == b {
		return invalid(op, "participants must differ")
	}
	return nil
}

func validateAppendInput(op string, in AppendMessageInput) error {
	switch {
	case in.ConversationID == "":
		return invalid(op, "missing conversation id")
	case in.SenderID == "" || in.ReceiverID == "":
		return invalid(op, "missing sender or receiver")
	case in.SenderID == in.ReceiverID:
		return invalid(op, "sender and receiver must differ")
	}
	return nil
}

func pairMatches(c Conversation, sender, receiver string) bool {
	return c.HasParticipant(sender) && c.Other(sender) == receiver
}

func idSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

func clampSentAt(now, last time.Time) time.Time {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if now.Before(last) {
		return last
	}
	return now
}
