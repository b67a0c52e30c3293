// Package api is the request/response surface over the messaging services.
//
// Every route expects an authenticated principal in the request context
// (see auth.RequireAuth); the router in package app installs that middleware.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"inbox/cmd/internal/auth"
	"inbox/cmd/internal/messaging"
	"inbox/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
)

// Notifier pushes REST-originated changes to connected realtime sessions.
type Notifier interface {
	MessageSent(ctx context.Context, res messaging.SendResult, originSession string)
	MessagesRead(ctx context.Context, res messaging.ReadResult, originSession string)
}

type nopNotifier struct{}

func (nopNotifier) MessageSent(context.Context, messaging.SendResult, string)  {}
func (nopNotifier) MessagesRead(context.Context, messaging.ReadResult, string) {}

// Handler wires HTTP routes to the conversation and message services.
type Handler struct {
	log      *slog.Logger
	convs    *messaging.ConversationService
	msgs     *messaging.MessageService
	notifier Notifier
}

// NewHandler constructs a Handler. A nil notifier disables realtime pushes.
func NewHandler(log *slog.Logger, convs *messaging.ConversationService, msgs *messaging.MessageService, notifier Notifier) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Handler{log: log, convs: convs, msgs: msgs, notifier: notifier}
}

// Register wires the routes onto r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.handleListConversations)
		r.Post("/", h.handleCreateConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetConversation)
			r.Delete("/", h.handleDeleteConversation)
			r.Put("/archive", h.handleArchiveConversation)
			r.Put("/read", h.handleMarkConversationRead)
		})
	})
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.handleSendMessage)
		r.Get("/conversations", h.handleInbox)
		r.Get("/{userId}", h.handleMessagesWith)
		r.Put("/{messageId}/read", h.handleMarkMessageRead)
	})
}

// ---- conversations ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	views, err := h.convs.List(r.Context(), p.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]conversationResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toConversationResponse(v))
	}
	writeJSON(w, http.StatusOK, conversationsEnvelope{Conversations: out})
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if err := readJSON(w, r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.OtherUserID) == "" {
		writeError(w, http.StatusBadRequest, "validation", "otherUserId is required")
		return
	}

	view, created, err := h.convs.CreateOrGet(r.Context(), p.ID, req.OtherUserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conversationEnvelope{Conversation: toConversationResponse(view)})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	detail, err := h.convs.Get(r.Context(), p.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := toConversationResponse(detail.ConversationView)
	resp.Messages = toMessagesResponse(detail.Messages)
	writeJSON(w, http.StatusOK, conversationEnvelope{Conversation: resp})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.convs.SoftDelete(r.Context(), p.ID, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req archiveRequest
	if err := readJSON(w, r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Archive == nil {
		writeError(w, http.StatusBadRequest, "validation", "archive is required")
		return
	}

	view, err := h.convs.Archive(r.Context(), p.ID, chi.URLParam(r, "id"), *req.Archive)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationEnvelope{Conversation: toConversationResponse(view)})
}

func (h *Handler) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if err := readJSON(w, r, &req, true); err != nil {
		writeDecodeError(w, err)
		return
	}

	res, err := h.msgs.MarkRead(r.Context(), p.ID, chi.URLParam(r, "id"), req.MessageIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.notifier.MessagesRead(r.Context(), res, "")
	writeJSON(w, http.StatusOK, readResponse{ConversationID: res.ConversationID, Count: res.Count})
}

// ---- messages ----

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := readJSON(w, r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}

	res, err := h.msgs.Send(r.Context(), messaging.SendInput{
		SenderID:       p.ID,
		ReceiverID:     req.ReceiverID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Type:           req.Type,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.notifier.MessageSent(r.Context(), res, "")
	writeJSON(w, http.StatusCreated, messageEnvelope{Message: realtime.WireMessage(res.Message, nil)})
}

func (h *Handler) handleMessagesWith(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	msgs, err := h.msgs.MessagesWith(r.Context(), p.ID, chi.URLParam(r, "userId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesEnvelope{Messages: toMessagesResponse(msgs)})
}

func (h *Handler) handleMarkMessageRead(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	res, err := h.msgs.MarkSingleRead(r.Context(), p.ID, chi.URLParam(r, "messageId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if res.Count > 0 {
		h.notifier.MessagesRead(r.Context(), res, "")
	}
	writeJSON(w, http.StatusOK, readResponse{ConversationID: res.ConversationID, Count: res.Count})
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	entries, err := h.msgs.Inbox(r.Context(), p.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]inboxEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, inboxEntryResponse{
			User:        toUserSummary(e.Counterpart),
			LastMessage: realtime.WireMessage(e.LastMessage, nil),
			UnreadCount: e.UnreadCount,
		})
	}
	writeJSON(w, http.StatusOK, inboxEnvelope{Conversations: out})
}

// ---- helpers ----

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		auth.WriteAuthError(w, auth.ErrUnauthenticated)
		return auth.Principal{}, false
	}
	return p, true
}

// writeServiceError maps messaging error kinds to status codes. Unknown errors are
// logged and answered with a generic 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	public := ""
	var oe messaging.OpError
	if errors.As(err, &oe) {
		public = oe.PublicMessage()
	}

	switch {
	case messaging.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", orDefault(public, "not found"))
	case messaging.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", orDefault(public, "forbidden"))
	case messaging.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation", orDefault(public, "invalid request"))
	case messaging.IsUnavailable(err):
		h.log.Warn("http.dependency.unavailable", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service unavailable")
	default:
		h.log.Error("http.handler.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
