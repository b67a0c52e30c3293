package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"inbox/cmd/internal/messaging"
	v1 "inbox/shared/contracts/realtime/v1"
)

// Error codes carried by error events.
const (
	codeBadJSON      = "bad_json"
	codeBadEnvelope  = "bad_envelope"
	codeRateLimited  = "rate_limited"
	codeNotFound     = "not_found"
	codeForbidden    = "forbidden"
	codeValidation   = "validation"
	codeUnavailable  = "unavailable"
	codeInternal     = "internal"
	codeBackpressure = "backpressure"
)

var errBackpressure = errors.New("send queue full")

// payloadError marks a payload that does not decode into the event's shape.
type payloadError struct{ err error }

func (e payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func decodePayload(env v1.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return payloadError{err: err}
	}
	return nil
}

// dispatch routes a validated envelope. Validate already rejected server-only types.
func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeJoinConversation:
		return g.onJoin(ctx, client, env)
	case v1.TypeSendMessage:
		return g.onSendMessage(ctx, client, env)
	case v1.TypeMarkRead:
		return g.onMarkRead(ctx, client, env)
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.JoinConversationPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	conv, err := g.convs.Authorize(ctx, client.UserID, strings.TrimSpace(p.ConversationID))
	if err != nil {
		return err
	}

	room := ConversationRoom(conv.ID)
	g.hub.Join(room, client)

	if !g.enqueue(ctx, client, newEnvelope(v1.TypeJoinSuccess, v1.JoinSuccessPayload{ConversationID: conv.ID}, time.Now().UTC())) {
		g.hub.Leave(room, client.SessionID)
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	res, err := g.msgs.Send(ctx, messaging.SendInput{
		SenderID:       client.UserID,
		ReceiverID:     p.ReceiverID,
		ConversationID: p.ConversationID,
		Content:        p.Content,
		Attachments:    p.Attachments,
		Type:           p.Type,
	})
	if err != nil {
		return err
	}

	// The sender follows the conversation it just wrote to.
	g.hub.Join(ConversationRoom(res.Conversation.ID), client)
	g.notifier.MessageSent(ctx, res, client.SessionID)

	ack := v1.MessageSentPayload{Success: true, MessageID: res.Message.ID}
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageSent, ack, time.Now().UTC())) {
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onMarkRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MarkReadPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	res, err := g.msgs.MarkRead(ctx, client.UserID, strings.TrimSpace(p.ConversationID), p.MessageIDs)
	if err != nil {
		return err
	}

	g.notifier.MessagesRead(ctx, res, client.SessionID)

	ack := v1.MarkReadSuccessPayload{ConversationID: res.ConversationID, Count: res.Count}
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMarkReadSuccess, ack, time.Now().UTC())) {
		return errBackpressure
	}
	return nil
}

// errorCode maps a handler error to the code and text shown to the acting connection.
func errorCode(err error) (code, msg string) {
	var pe payloadError
	if errors.As(err, &pe) {
		return codeValidation, "invalid payload"
	}
	if errors.Is(err, errBackpressure) {
		return codeBackpressure, "send queue full"
	}

	public := ""
	var oe messaging.OpError
	if errors.As(err, &oe) {
		public = oe.PublicMessage()
	}

	switch {
	case messaging.IsNotFound(err):
		return codeNotFound, orDefault(public, "not found")
	case messaging.IsForbidden(err):
		return codeForbidden, orDefault(public, "forbidden")
	case messaging.IsValidation(err):
		return codeValidation, orDefault(public, "invalid request")
	case messaging.IsUnavailable(err):
		return codeUnavailable, "service unavailable"
	default:
		return codeInternal, "internal error"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func errorEnvelope(code, msg string) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.offer(env)
}
