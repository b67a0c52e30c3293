package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"inbox/cmd/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "inbox:room:"

// NewRedisClient builds a client and checks connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RedisFanout forwards deliveries over Redis pub/sub, one channel per room.
type RedisFanout struct {
	log  *slog.Logger
	rdb  *redis.Client
	hub  *Hub
	node string
}

// NewRedisFanout wraps an open client. Close closes it.
func NewRedisFanout(log *slog.Logger, rdb *redis.Client, hub *Hub, node string) *RedisFanout {
	if log == nil {
		log = slog.Default()
	}
	return &RedisFanout{log: log, rdb: rdb, hub: hub, node: node}
}

func redisChannel(room string) string { return redisChannelPrefix + roomToken(room) }

func (f *RedisFanout) Publish(ctx context.Context, d Delivery) error {
	f.hub.Deliver(d.Room, d.Envelope, d.ExceptSession)

	d.Origin = f.node
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, redisChannel(d.Room), b).Err(); err != nil {
		metrics.RecordFanoutFailure("redis")
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (f *RedisFanout) Run(ctx context.Context) error {
	ps := f.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	defer func() { _ = ps.Close() }()

	// Wait for the subscription confirmation so startup errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	f.log.Info("fanout.redis.subscribed", "pattern", redisChannelPrefix+"*", "node", f.node)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			room, ok := roomFromToken(strings.TrimPrefix(m.Channel, redisChannelPrefix))
			if !ok {
				continue
			}
			d, ok := decodeRemote(f.node, room, []byte(m.Payload))
			if !ok {
				continue
			}
			f.hub.Deliver(d.Room, d.Envelope, d.ExceptSession)
		}
	}
}

func (f *RedisFanout) Close() error {
	if f.rdb != nil {
		return f.rdb.Close()
	}
	return nil
}
