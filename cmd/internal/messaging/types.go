package messaging

import (
	"slices"
	"strings"
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// ParseMessageType maps a wire value to a MessageType. Empty means text.
func ParseMessageType(s string) (MessageType, bool) {
	switch MessageType(strings.ToLower(strings.TrimSpace(s))) {
	case "", TypeText:
		return TypeText, true
	case TypeImage:
		return TypeImage, true
	case TypeFile:
		return TypeFile, true
	case TypeSystem:
		return TypeSystem, true
	default:
		return "", false
	}
}

// Conversation is a two-party thread with a per-participant view.
//
// Participants keeps creation order ([initiator, other]); lookups by unordered
// pair go through PairKey.
type Conversation struct {
	ID           string
	Participants [2]string

	LastMessage   string
	LastMessageAt time.Time

	// UnreadCounts caches the number of unread messages addressed to each
	// participant. A missing key means zero.
	UnreadCounts map[string]int

	ArchivedBy []string
	DeletedFor []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the counterpart of userID, or "" when userID is not a participant.
func (c Conversation) Other(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

func (c Conversation) IsDeletedFor(userID string) bool { return slices.Contains(c.DeletedFor, userID) }

func (c Conversation) IsArchivedBy(userID string) bool { return slices.Contains(c.ArchivedBy, userID) }

// UnreadFor returns the cached unread counter for userID.
func (c Conversation) UnreadFor(userID string) int {
	if n := c.UnreadCounts[userID]; n > 0 {
		return n
	}
	return 0
}

// Active reports whether at least one participant can still see the conversation.
// At most one active conversation exists per participant pair.
func (c Conversation) Active() bool {
	return !(c.IsDeletedFor(c.Participants[0]) && c.IsDeletedFor(c.Participants[1]))
}

// PairKey returns the order-independent key of the participant pair.
func (c Conversation) PairKey() string { return PairKey(c.Participants[0], c.Participants[1]) }

// Clone returns a deep copy so stores can hand out values without sharing state.
func (c Conversation) Clone() Conversation {
	out := c
	out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	out.ArchivedBy = slices.Clone(c.ArchivedBy)
	out.DeletedFor = slices.Clone(c.DeletedFor)
	return out
}

// PairKey builds the unordered pair key for two user ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Message is one immutable entry of a conversation. Only IsRead ever changes,
// and only from false to true.
type Message struct {
	ID             string
	ConversationID string
	// Seq is allocated per conversation and breaks SentAt ties.
	Seq int64

	SenderID    string
	ReceiverID  string
	Content     string
	Attachments []string
	Type        MessageType

	IsRead bool
	SentAt time.Time
}

// Preview is the conversation summary text for a message.
func Preview(content string, typ MessageType) string {
	if s := strings.TrimSpace(content); s != "" {
		return s
	}
	if typ == "" {
		typ = TypeText
	}
	return string(typ) + " message"
}

// CounterpartSummary is one row of the per-counterpart inbox aggregate.
type CounterpartSummary struct {
	UserID      string
	LastMessage Message
	UnreadCount int
}

func sortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.SentAt.Compare(b.SentAt); c != 0 {
			return c
		}
		if a.ConversationID == b.ConversationID && a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func sortConversations(convs []Conversation) {
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
