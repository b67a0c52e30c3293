package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"inbox/cmd/internal/metrics"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "inbox.room"

// ConnectNATS dials NATS with reconnects that never give up.
func ConnectNATS(url string, log *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("inbox-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats.error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSFanout forwards deliveries on one subject per room: inbox.room.<token>.
type NATSFanout struct {
	log  *slog.Logger
	nc   *nats.Conn
	hub  *Hub
	node string
}

// NewNATSFanout wraps an open connection. Close closes it.
func NewNATSFanout(log *slog.Logger, nc *nats.Conn, hub *Hub, node string) *NATSFanout {
	if log == nil {
		log = slog.Default()
	}
	return &NATSFanout{log: log, nc: nc, hub: hub, node: node}
}

func natsSubject(room string) string { return natsSubjectPrefix + "." + roomToken(room) }

func (f *NATSFanout) Publish(_ context.Context, d Delivery) error {
	f.hub.Deliver(d.Room, d.Envelope, d.ExceptSession)

	d.Origin = f.node
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := f.nc.Publish(natsSubject(d.Room), b); err != nil {
		metrics.RecordFanoutFailure("nats")
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (f *NATSFanout) Run(ctx context.Context) error {
	sub, err := f.nc.Subscribe(natsSubjectPrefix+".*", func(m *nats.Msg) {
		room, ok := roomFromToken(strings.TrimPrefix(m.Subject, natsSubjectPrefix+"."))
		if !ok {
			return
		}
		d, ok := decodeRemote(f.node, room, m.Data)
		if !ok {
			return
		}
		f.hub.Deliver(d.Room, d.Envelope, d.ExceptSession)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	f.log.Info("fanout.nats.subscribed", "subject", sub.Subject, "node", f.node)

	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}

func (f *NATSFanout) Close() error {
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}
