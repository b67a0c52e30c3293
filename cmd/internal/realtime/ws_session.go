package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"inbox/cmd/internal/metrics"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const sessionCloseGrace = time.Second

// wsSession runs one upgraded connection: a writer draining the client queue,
// a heartbeat pinging the peer, and the reader dispatching inbound events.
type wsSession struct {
	g       *WSGateway
	conn    *websocket.Conn
	client  *Client
	limiter *rate.Limiter
	log     *slog.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newWSSession(g *WSGateway, conn *websocket.Conn, client *Client, limiter *rate.Limiter, log *slog.Logger) *wsSession {
	return &wsSession{g: g, conn: conn, client: client, limiter: limiter, log: log}
}

func (s *wsSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(ctx)
	}()

	s.readPump(ctx)

	s.close(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(sessionCloseGrace):
	}
}

// close leaves every room before stopping the client, so no broadcaster holds a
// member whose goroutines are gone. Safe to call more than once.
func (s *wsSession) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.g.hub.LeaveAll(s.client.SessionID)
		s.client.Close()
		_ = s.conn.Close(code, reason)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *wsSession) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeFrame(ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) heartbeat(ctx context.Context) {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
		err := s.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		s.log.Info("ws.ping.fail", "failures", failures, "err", err)
		if failures >= s.g.cfg.MaxPingFailures {
			s.close(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (s *wsSession) readPump(ctx context.Context) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, s.conn)
		cancel()
		if err != nil {
			s.closeOnReadError(err)
			return
		}

		// Every frame is charged, malformed ones included.
		if !s.limiter.Allow() {
			s.sendError(ctx, codeRateLimited, "too many events")
			metrics.RecordRealtimeEvent("any", codeRateLimited)
			s.close(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		env, err := decodeFrame(data)
		if err != nil {
			s.sendError(ctx, codeBadJSON, "invalid JSON")
			metrics.RecordRealtimeEvent("invalid", codeBadJSON)
			continue
		}
		if err := env.Validate(); err != nil {
			s.sendError(ctx, codeBadEnvelope, err.Error())
			metrics.RecordRealtimeEvent("invalid", codeBadEnvelope)
			continue
		}

		if err := s.g.dispatch(ctx, s.client, env); err != nil {
			code, msg := errorCode(err)
			if code == codeInternal {
				s.log.Error("ws.handler.fail", "type", env.Type, "err", err)
			} else {
				s.log.Info("ws.handler.reject", "type", env.Type, "code", code, "err", err)
			}
			s.sendError(ctx, code, msg)
			metrics.RecordRealtimeEvent(env.Type, code)
			continue
		}
		metrics.RecordRealtimeEvent(env.Type, "ok")
	}
}

func (s *wsSession) closeOnReadError(err error) {
	switch classifyReadErr(err) {
	case readErrPeerClosed:
		s.close(websocket.StatusNormalClosure, "peer closed")
	case readErrCtxDone:
		s.close(websocket.StatusNormalClosure, "context done")
	case readErrConnClosed:
		s.close(websocket.StatusAbnormalClosure, "conn closed")
	default:
		s.log.Info("ws.read.fail", "err", err)
		s.close(websocket.StatusAbnormalClosure, "read failed")
	}
}

func (s *wsSession) sendError(ctx context.Context, code, msg string) {
	_ = s.g.enqueue(ctx, s.client, errorEnvelope(code, msg))
}
