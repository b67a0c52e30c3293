package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"inbox/cmd/identity"
	"inbox/cmd/internal/events"
	"inbox/cmd/internal/metrics"
	v1 "inbox/shared/contracts/realtime/v1"
)

// Message limits.
const (
	MaxContentRunes = 4000
	MaxAttachments  = 10
)

// SendInput is a send request. ConversationID is optional: empty or
// v1.NewConversationMarker resolves the conversation from the receiver.
type SendInput struct {
	SenderID       string
	ReceiverID     string
	ConversationID string
	Content        string
	Attachments    []string
	Type           string
}

// SendResult is a persisted message with the state a transport needs to fan it out.
type SendResult struct {
	Message      Message
	Conversation Conversation
	Created      bool
	Sender       identity.User
}

// ReadResult reports a read transition. OtherID is the participant to notify.
type ReadResult struct {
	ConversationID string
	ReaderID       string
	OtherID        string
	Count          int
	Remaining      int
}

// InboxEntry is one counterpart row of the aggregate inbox view.
type InboxEntry struct {
	Counterpart identity.User
	LastMessage Message
	UnreadCount int
}

// MessageService persists messages and reconciles read state.
type MessageService struct {
	log   *slog.Logger
	store Store
	users identity.Directory
	convs *ConversationService
	opts  serviceOptions
}

func NewMessageService(log *slog.Logger, store Store, users identity.Directory, convs *ConversationService, opts ...Option) *MessageService {
	return &MessageService{
		log:   orDefaultLogger(log),
		store: store,
		users: users,
		convs: convs,
		opts:  buildOptions(opts),
	}
}

// Send resolves the conversation, appends the message and updates the summary.
//
// When the message is stored but the summary write fails, Send returns the
// ErrSummaryStale error and recounts the conversation's counters best-effort.
func (s *MessageService) Send(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "messaging.MessageService.Send"

	in.SenderID = identity.NormalizeUserID(in.SenderID)
	in.ReceiverID = identity.NormalizeUserID(in.ReceiverID)
	in.ConversationID = strings.TrimSpace(in.ConversationID)

	typ, err := validateSend(op, in)
	if err != nil {
		return SendResult{}, err
	}

	var (
		conv    Conversation
		created bool
	)
	if in.ConversationID == "" || in.ConversationID == v1.NewConversationMarker {
		if in.ReceiverID == "" {
			return SendResult{}, invalid(op, "receiverId is required")
		}
		view, c, err := s.convs.CreateOrGet(ctx, in.SenderID, in.ReceiverID)
		if err != nil {
			return SendResult{}, err
		}
		conv, created = view.Conversation, c
	} else {
		conv, err = s.store.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return SendResult{}, err
		}
		if !conv.HasParticipant(in.SenderID) {
			return SendResult{}, forbidden(op, "not a participant of this conversation")
		}
		if conv.IsDeletedFor(in.SenderID) {
			return SendResult{}, notFound(op, "conversation")
		}
		other := conv.Other(in.SenderID)
		if in.ReceiverID != "" && in.ReceiverID != other {
			return SendResult{}, invalid(op, "receiverId does not match the conversation")
		}
		in.ReceiverID = other
		if _, err := lookupUser(ctx, s.users, op, in.ReceiverID); err != nil {
			return SendResult{}, err
		}
	}

	sender, err := lookupUser(ctx, s.users, op, in.SenderID)
	if err != nil {
		s.log.Warn("message.send.sender_lookup_fail", "user_id", in.SenderID, "err", err)
		sender = placeholderUser(in.SenderID)
	}

	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		Attachments:    in.Attachments,
		Type:           typ,
		Now:            s.opts.now(),
	})
	if err != nil {
		if IsSummaryStale(err) {
			s.repairSummary(ctx, "send", conv.ID, err)
		}
		return SendResult{}, err
	}

	metrics.RecordMessageSent(string(typ))
	s.log.Info("message.send",
		"message_id", res.Message.ID,
		"conversation_id", conv.ID,
		"sender_id", in.SenderID,
		"receiver_id", in.ReceiverID,
		"type", string(typ),
	)
	s.publish(ctx, events.TypeMessageSent, conv.ID, res.Message.SentAt, events.MessageSent{
		MessageID:      res.Message.ID,
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Type:           string(typ),
		Preview:        res.Conversation.LastMessage,
		SentAt:         res.Message.SentAt,
	})

	return SendResult{
		Message:      res.Message,
		Conversation: res.Conversation,
		Created:      created,
		Sender:       sender,
	}, nil
}

func validateSend(op string, in SendInput) (MessageType, error) {
	if in.SenderID == "" {
		return "", invalid(op, "missing sender")
	}
	if in.ReceiverID != "" && in.ReceiverID == in.SenderID {
		return "", invalid(op, "cannot send a message to yourself")
	}
	typ, ok := ParseMessageType(in.Type)
	if !ok {
		return "", invalid(op, "type must be one of text, image, file, system")
	}
	if utf8.RuneCountInString(in.Content) > MaxContentRunes {
		return "", invalid(op, "content is too long")
	}
	if len(in.Attachments) > MaxAttachments {
		return "", invalid(op, "too many attachments")
	}
	for _, a := range in.Attachments {
		if strings.TrimSpace(a) == "" {
			return "", invalid(op, "empty attachment")
		}
	}
	if typ != TypeSystem && strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return "", invalid(op, "content or attachments are required")
	}
	return typ, nil
}

// ConversationMessages returns the messages of a conversation in ascending order.
func (s *MessageService) ConversationMessages(ctx context.Context, requesterID, conversationID string) ([]Message, error) {
	const op = "messaging.MessageService.ConversationMessages"

	if conversationID == "" {
		return nil, invalid(op, "conversationId is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, forbidden(op, "not a participant of this conversation")
	}
	if conv.IsDeletedFor(requesterID) {
		return nil, notFound(op, "conversation")
	}
	msgs, err := s.store.ListConversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// MessagesWith returns every message exchanged between the requester and
// otherUserID across conversations, in ascending order.
func (s *MessageService) MessagesWith(ctx context.Context, requesterID, otherUserID string) ([]Message, error) {
	const op = "messaging.MessageService.MessagesWith"

	otherUserID = identity.NormalizeUserID(otherUserID)
	switch {
	case requesterID == "":
		return nil, invalid(op, "missing requester")
	case otherUserID == "":
		return nil, invalid(op, "userId is required")
	case otherUserID == requesterID:
		return nil, invalid(op, "cannot list messages with yourself")
	}
	if _, err := lookupUser(ctx, s.users, op, otherUserID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessagesBetween(ctx, requesterID, otherUserID)
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// MarkRead flips the requester's unread messages in the conversation, either
// all of them or only messageIDs, and resets the requester's counter to the
// remaining live count. Repeating the call transitions nothing.
func (s *MessageService) MarkRead(ctx context.Context, requesterID, conversationID string, messageIDs []string) (ReadResult, error) {
	const op = "messaging.MessageService.MarkRead"

	if requesterID == "" {
		return ReadResult{}, invalid(op, "missing requester")
	}
	if strings.TrimSpace(conversationID) == "" {
		return ReadResult{}, invalid(op, "conversationId is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ReadResult{}, err
	}
	if !conv.HasParticipant(requesterID) {
		return ReadResult{}, forbidden(op, "not a participant of this conversation")
	}
	return s.markRead(ctx, conv, requesterID, messageIDs)
}

// MarkSingleRead marks one message read. Only its receiver may do so; an
// already-read message reports a zero count.
func (s *MessageService) MarkSingleRead(ctx context.Context, requesterID, messageID string) (ReadResult, error) {
	const op = "messaging.MessageService.MarkSingleRead"

	if strings.TrimSpace(messageID) == "" {
		return ReadResult{}, invalid(op, "messageId is required")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return ReadResult{}, err
	}
	if msg.ReceiverID != requesterID {
		return ReadResult{}, forbidden(op, "only the receiver can mark a message read")
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return ReadResult{}, err
	}
	if msg.IsRead {
		return ReadResult{
			ConversationID: conv.ID,
			ReaderID:       requesterID,
			OtherID:        conv.Other(requesterID),
			Remaining:      conv.UnreadFor(requesterID),
		}, nil
	}
	return s.markRead(ctx, conv, requesterID, []string{msg.ID})
}

func (s *MessageService) markRead(ctx context.Context, conv Conversation, readerID string, messageIDs []string) (ReadResult, error) {
	res, err := s.store.MarkRead(ctx, MarkReadInput{
		ConversationID: conv.ID,
		ReaderID:       readerID,
		MessageIDs:     messageIDs,
		Now:            s.opts.now(),
	})
	if err != nil {
		if IsSummaryStale(err) {
			s.repairSummary(ctx, "mark_read", conv.ID, err)
		}
		return ReadResult{}, err
	}

	metrics.RecordMessagesRead(res.Count)
	out := ReadResult{
		ConversationID: conv.ID,
		ReaderID:       readerID,
		OtherID:        conv.Other(readerID),
		Count:          res.Count,
		Remaining:      res.Remaining,
	}
	if res.Count > 0 {
		s.log.Info("message.read",
			"conversation_id", conv.ID,
			"reader_id", readerID,
			"count", res.Count,
		)
		s.publish(ctx, events.TypeMessagesRead, conv.ID, s.opts.now(), events.MessagesRead{
			ConversationID: conv.ID,
			ReaderID:       readerID,
			Count:          res.Count,
		})
	}
	return out, nil
}

// RebuildUnreadCounts re-derives a conversation's counters from its messages.
func (s *MessageService) RebuildUnreadCounts(ctx context.Context, conversationID string) (map[string]int, error) {
	const op = "messaging.MessageService.RebuildUnreadCounts"

	if conversationID == "" {
		return nil, invalid(op, "conversationId is required")
	}
	counts, err := s.store.RecountUnread(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.log.Info("conversation.unread.rebuild", "conversation_id", conversationID, "counts", counts)
	return counts, nil
}

// Inbox aggregates the requester's messages per counterpart, computing unread
// counts live from messages rather than from the cached counters.
func (s *MessageService) Inbox(ctx context.Context, requesterID string) ([]InboxEntry, error) {
	const op = "messaging.MessageService.Inbox"

	if requesterID == "" {
		return nil, invalid(op, "missing requester")
	}
	sums, err := s.store.CounterpartSummaries(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	out := make([]InboxEntry, 0, len(sums))
	for _, sum := range sums {
		u, err := lookupUser(ctx, s.users, op, sum.UserID)
		if err != nil {
			s.log.Warn("message.inbox.lookup_fail", "user_id", sum.UserID, "err", err)
			u = placeholderUser(sum.UserID)
		}
		out = append(out, InboxEntry{Counterpart: u, LastMessage: sum.LastMessage, UnreadCount: sum.UnreadCount})
	}
	return out, nil
}

func (s *MessageService) repairSummary(ctx context.Context, op, conversationID string, cause error) {
	metrics.RecordSummaryStale(op)
	s.log.Warn("message."+op+".summary_stale", "conversation_id", conversationID, "err", cause)

	if _, err := s.store.RecountUnread(ctx, conversationID); err != nil {
		s.log.Error("message."+op+".summary_repair_fail", "conversation_id", conversationID, "err", err)
	}
}

func (s *MessageService) publish(ctx context.Context, eventType, key string, at time.Time, data any) {
	ev, err := events.New(eventType, key, at, data)
	if err != nil {
		s.log.Error("events.encode.fail", "type", eventType, "err", err)
		return
	}
	if err := s.opts.events.Publish(ctx, ev); err != nil {
		metrics.EventPublishFailures.WithLabelValues(eventType).Inc()
		s.log.Warn("events.publish.fail", "type", eventType, "key", key, "err", err)
	}
}
