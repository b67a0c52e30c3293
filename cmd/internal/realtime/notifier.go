package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"inbox/cmd/identity/ids"
	"inbox/cmd/internal/messaging"
	v1 "inbox/shared/contracts/realtime/v1"
)

// Notifier turns persisted message events into room broadcasts.
// The websocket handlers and the HTTP API share it, so REST senders reach connected peers too.
type Notifier struct {
	log    *slog.Logger
	fanout Fanout
}

func NewNotifier(log *slog.Logger, fanout Fanout) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{log: log, fanout: fanout}
}

// MessageSent sends receive-message to the conversation room, skipping originSession,
// and new-message-notification to every session of the receiver.
func (n *Notifier) MessageSent(ctx context.Context, res messaging.SendResult, originSession string) {
	msg := WireMessage(res.Message, &v1.UserSummary{
		ID:          res.Sender.ID,
		DisplayName: res.Sender.DisplayName,
		Avatar:      res.Sender.Avatar,
		Role:        string(res.Sender.Role),
	})
	now := time.Now().UTC()

	n.publish(ctx, ConversationRoom(res.Conversation.ID), originSession,
		newEnvelope(v1.TypeReceiveMessage, v1.ReceiveMessagePayload{Message: msg}, now))
	n.publish(ctx, UserRoom(res.Message.ReceiverID), "",
		newEnvelope(v1.TypeNewMessageNotification, v1.NewMessageNotificationPayload{
			ConversationID: res.Conversation.ID,
			Message:        msg,
		}, now))
}

// MessagesRead tells the rest of the conversation room that ReaderID read Count messages.
func (n *Notifier) MessagesRead(ctx context.Context, res messaging.ReadResult, originSession string) {
	n.publish(ctx, ConversationRoom(res.ConversationID), originSession,
		newEnvelope(v1.TypeMessagesRead, v1.MessagesReadPayload{
			ConversationID: res.ConversationID,
			ReadBy:         res.ReaderID,
			Count:          res.Count,
		}, time.Now().UTC()))
}

func (n *Notifier) publish(ctx context.Context, room, except string, env v1.Envelope) {
	if n == nil || n.fanout == nil {
		return
	}
	// Local sessions already have the envelope; a failed forward only affects other nodes.
	if err := n.fanout.Publish(ctx, Delivery{Room: room, ExceptSession: except, Envelope: env}); err != nil {
		n.log.Warn("fanout.publish.fail", "room", room, "type", env.Type, "err", err)
	}
}

// WireMessage converts a stored message to its wire form.
func WireMessage(m messaging.Message, sender *v1.UserSummary) v1.Message {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Attachments:    attachments,
		Type:           string(m.Type),
		IsRead:         m.IsRead,
		SentAt:         m.SentAt,
		Sender:         sender,
	}
}

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	// Envelope ids are ULIDs so they sort by time in logs.
	id, err := ids.NewULID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}
}
