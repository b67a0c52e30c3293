package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"

	v1 "inbox/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// Delivery is one room broadcast as it travels between processes.
type Delivery struct {
	Origin        string      `json:"origin"`
	Room          string      `json:"room"`
	ExceptSession string      `json:"exceptSession,omitempty"`
	Envelope      v1.Envelope `json:"envelope"`
}

// Fanout carries room broadcasts to every gateway process.
//
// Publish always delivers to this process's Hub first; distributed backends then
// forward the delivery so other processes can deliver it to their own sessions.
type Fanout interface {
	Publish(ctx context.Context, d Delivery) error
	// Run consumes deliveries from other processes until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// NewNodeID returns the id a process stamps on the deliveries it originates.
func NewNodeID() string { return uuid.NewString() }

// LocalFanout delivers straight into the Hub. It is the single-process backend.
type LocalFanout struct {
	hub *Hub
}

func NewLocalFanout(hub *Hub) *LocalFanout { return &LocalFanout{hub: hub} }

func (f *LocalFanout) Publish(_ context.Context, d Delivery) error {
	f.hub.Deliver(d.Room, d.Envelope, d.ExceptSession)
	return nil
}

func (f *LocalFanout) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *LocalFanout) Close() error { return nil }

// roomToken encodes a room key into a token safe for NATS subjects and Redis channels.
// Room keys embed user ids, which may contain '.', '*' or '>'.
func roomToken(room string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(room))
}

func roomFromToken(tok string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

// decodeRemote parses a forwarded delivery. Deliveries this node originated are
// skipped because Publish already delivered them locally.
func decodeRemote(node, channelRoom string, data []byte) (Delivery, bool) {
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return Delivery{}, false
	}
	if d.Origin == node {
		return Delivery{}, false
	}
	if channelRoom != "" && channelRoom != d.Room {
		return Delivery{}, false
	}
	return d, true
}
