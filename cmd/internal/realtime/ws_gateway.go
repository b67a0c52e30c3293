package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"inbox/cmd/identity/ids"
	"inbox/cmd/internal/auth"
	"inbox/cmd/internal/messaging"
	"inbox/cmd/internal/metrics"
	v1 "inbox/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// PrincipalResolver authenticates the handshake credential.
type PrincipalResolver interface {
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
}

// ConversationAuthorizer checks that a user participates in a conversation.
type ConversationAuthorizer interface {
	Authorize(ctx context.Context, userID, conversationID string) (messaging.Conversation, error)
}

// MessageSender persists messages and read receipts.
type MessageSender interface {
	Send(ctx context.Context, in messaging.SendInput) (messaging.SendResult, error)
	MarkRead(ctx context.Context, requesterID, conversationID string, messageIDs []string) (messaging.ReadResult, error)
}

// WSGateway is the inbox websocket endpoint.
//
// A handshake must pass the origin policy and carry a credential for a known
// user before it is upgraded. Each upgraded session joins its user room, then
// handles join-conversation, send-message and mark-read events one at a time.
type WSGateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	hub      *Hub
	notifier *Notifier
	authn    PrincipalResolver
	convs    ConversationAuthorizer
	msgs     MessageSender

	origins originPolicy
	limiter *PrincipalLimiter
}

// NewWSGateway builds a gateway. A nil hub or notifier gets a process-local one.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, hub *Hub, notifier *Notifier, authn PrincipalResolver, convs ConversationAuthorizer, msgs MessageSender) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if notifier == nil {
		notifier = NewNotifier(log, NewLocalFanout(hub))
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:      log,
		cfg:      cfg,
		hub:      hub,
		notifier: notifier,
		authn:    authn,
		convs:    convs,
		msgs:     msgs,
		origins:  newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
		limiter:  NewPrincipalLimiter(cfg.RateEvents, cfg.RateWindow),
	}
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		auth.WriteAuthError(w, err)
		return
	}

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	client := NewClient(principal.ID, sessionID, g.cfg.SendQueueSize)

	// The user room is joined before the upgrade so a notification sent while the
	// handshake completes is already queued for this session.
	g.hub.Join(UserRoom(principal.ID), client)
	defer g.hub.LeaveAll(sessionID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	limiter, release := g.limiter.Attach(principal.ID)
	defer release()

	metrics.IncrementWSConnections()
	defer metrics.DecrementWSConnections()

	s := newWSSession(g, conn, client, limiter, g.log.With("session_id", sessionID, "user_id", principal.ID))
	s.log.Info("ws.connect", "remote", r.RemoteAddr)
	s.run(r.Context())
	s.log.Info("ws.disconnect")
}
