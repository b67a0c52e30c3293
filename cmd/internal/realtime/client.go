package realtime

import (
	"sync"
	"sync/atomic"

	"inbox/cmd/internal/metrics"
	v1 "inbox/shared/contracts/realtime/v1"
)

const fallbackQueueSize = 64

// Client is one authenticated websocket session as seen by rooms.
// Rooms only ever offer to Send; the session's writer is its sole reader.
// Send stays open for the client's lifetime, so a broadcaster racing a
// disconnect can never panic on a closed channel.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
}

func NewClient(userID, sessionID string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = fallbackQueueSize
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, queueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed once the session starts shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops the session's goroutines. Repeated calls are no-ops.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Dropped counts deliveries lost because the queue was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// offer queues env without blocking. A stopped client refuses silently; a full
// queue drops env and counts it, since a slow reader must not stall a room.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		metrics.RecordDeliveryDropped()
		return false
	}
}
