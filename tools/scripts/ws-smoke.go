// Package main provides a CI-friendly WebSocket smoke test for inbox realtime.
//
// It validates:
//   - authenticated handshake + subprotocol selection
//   - send-message into a new conversation -> message-sent ack
//   - new-message-notification to the receiver's user room
//   - join-conversation -> join-success
//   - receive-message for a joined peer
//   - mark-read -> mark-read-success and messages-read to the sender
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "inbox/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		userA     = flag.String("a", "brand-1", "Sender user id")
		userB     = flag.String("b", "creator-1", "Receiver user id")
		tokenA    = flag.String("token-a", os.Getenv("INBOX_SMOKE_TOKEN_A"), "Access token for the sender")
		tokenB    = flag.String("token-b", os.Getenv("INBOX_SMOKE_TOKEN_B"), "Access token for the receiver")
		jwtSecret = flag.String("jwt-secret", os.Getenv("INBOX_JWT_SECRET"), "Mint HS256 tokens with this secret when -token-a/-token-b are empty")
		issuer    = flag.String("issuer", "inbox", "Token issuer used when minting")
		text      = flag.String("text", "hello from the smoke test", "Message text to send")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	ta := resolveToken(*tokenA, *jwtSecret, *issuer, *userA)
	tb := resolveToken(*tokenB, *jwtSecret, *issuer, *userB)

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, ta, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, tb, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	// First message: the server resolves (or creates) the conversation from the receiver.
	firstID := mustSend(root, a, v1.NewConversationMarker, b.userID, *text, *timeout)
	convID := mustNotification(root, b, firstID, a.userID, *timeout)

	mustJoin(root, b, convID, *timeout)

	secondText := *text + " (again)"
	secondID := mustSend(root, a, convID, b.userID, secondText, *timeout)
	mustReceive(root, b, convID, secondID, secondText, *timeout)

	count := mustMarkRead(root, b, convID, *timeout)
	if count != 2 {
		fatalf("mark-read count mismatch: got=%d want=2", count)
	}
	mustReadReceipt(root, a, convID, b.userID, count, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation=%s messages=%s,%s\n", a.userID, b.userID, convID, firstID, secondID)
}

func resolveToken(token, secret, issuer, userID string) string {
	if strings.TrimSpace(token) != "" {
		return strings.TrimSpace(token)
	}
	if len(secret) < 32 {
		fatalf("no token for %s: pass -token-a/-token-b or a -jwt-secret of at least 32 bytes", userID)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"sid": fmt.Sprintf("smoke-%s-%d", userID, now.UnixNano()),
		"iss": issuer,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fatalf("mint token for %s: %v", userID, err)
	}
	return signed
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect %s: %v (status %d)", name, err, resp.StatusCode)
		}
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSend(parent context.Context, c *smokeClient, convID, receiverID, text string, stepTimeout time.Duration) string {
	env := newEnvelope(c, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: convID,
		ReceiverID:     receiverID,
		Content:        text,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout)

	var p v1.MessageSentPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message-sent payload (%s): %v", c.name, err)
	}
	if !p.Success || strings.TrimSpace(p.MessageID) == "" {
		fatalf("message-sent ack invalid (%s): %+v", c.name, p)
	}
	return p.MessageID
}

func mustNotification(parent context.Context, c *smokeClient, messageID, senderID string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypeNewMessageNotification, stepTimeout)

	var p v1.NewMessageNotificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new-message-notification payload (%s): %v", c.name, err)
	}
	if p.Message.ID != messageID {
		fatalf("notification message id mismatch (%s): got=%q want=%q", c.name, p.Message.ID, messageID)
	}
	if p.Message.SenderID != senderID {
		fatalf("notification sender mismatch (%s): got=%q want=%q", c.name, p.Message.SenderID, senderID)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		fatalf("notification missing conversationId (%s)", c.name)
	}
	return p.ConversationID
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := newEnvelope(c, v1.TypeJoinConversation, v1.JoinConversationPayload{ConversationID: convID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ok := c.mustReadUntilType(parent, v1.TypeJoinSuccess, stepTimeout)

	var p v1.JoinSuccessPayload
	if err := json.Unmarshal(ok.Payload, &p); err != nil {
		fatalf("unmarshal join-success payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join-success conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustReceive(parent context.Context, c *smokeClient, convID, messageID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout)

	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive-message payload (%s): %v", c.name, err)
	}
	m := p.Message
	if m.ID != messageID || m.ConversationID != convID || m.Content != text {
		fatalf("receive-message mismatch (%s): %+v", c.name, m)
	}
	if m.SentAt.IsZero() {
		fatalf("receive-message missing sentAt (%s)", c.name)
	}
}

func mustMarkRead(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) int {
	env := newEnvelope(c, v1.TypeMarkRead, v1.MarkReadPayload{ConversationID: convID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ok := c.mustReadUntilType(parent, v1.TypeMarkReadSuccess, stepTimeout)

	var p v1.MarkReadSuccessPayload
	if err := json.Unmarshal(ok.Payload, &p); err != nil {
		fatalf("unmarshal mark-read-success payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("mark-read-success conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	return p.Count
}

func mustReadReceipt(parent context.Context, c *smokeClient, convID, readerID string, count int, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessagesRead, stepTimeout)

	var p v1.MessagesReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal messages-read payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.ReadBy != readerID || p.Count != count {
		fatalf("messages-read mismatch (%s): %+v", c.name, p)
	}
}

// mustReadUntilType skips unrelated events: both sides also see notifications and room traffic.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func newEnvelope(c *smokeClient, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
