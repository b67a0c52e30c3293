package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inbox/cmd/identity"
	"inbox/cmd/internal/events"
	"inbox/cmd/internal/messaging"
	"inbox/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// closer releases one backend resource on shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// readinessCheck reports whether one dependency can serve traffic.
type readinessCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// backends holds every external resource the server owns.
type backends struct {
	store     messaging.Store
	users     identity.Directory
	events    events.Publisher
	fanout    realtime.Fanout
	pool      *pgxpool.Pool
	dbEnabled bool

	closers []closer
	checks  []readinessCheck
}

func (b *backends) onClose(name string, fn func(ctx context.Context) error) {
	b.closers = append(b.closers, closer{name: name, fn: fn})
}

func (b *backends) onReady(name string, fn func(ctx context.Context) error) {
	b.checks = append(b.checks, readinessCheck{name: name, fn: fn})
}

// close releases resources in reverse order of acquisition.
func (b *backends) close(ctx context.Context, log Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		c := b.closers[i]
		if err := c.fn(ctx); err != nil {
			log.Error("backend.close.fail", "backend", c.name, "err", err)
		}
	}
}

// openBackends connects to everything cfg selects. On error it closes what was already opened.
func openBackends(ctx context.Context, cfg Config, log Logger, hub *realtime.Hub) (_ *backends, retErr error) {
	b := &backends{}
	defer func() {
		if retErr != nil {
			b.close(context.Background(), log)
		}
	}()

	if cfg.UsesDB() {
		pool, err := NewDBPool(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.pool = pool
		b.dbEnabled = true
		b.onClose("postgres", func(context.Context) error { pool.Close(); return nil })
		b.onReady("postgres", func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) })
	}

	if err := b.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := b.openDirectory(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := b.openEvents(cfg, log); err != nil {
		return nil, err
	}
	if err := b.openFanout(ctx, cfg, log, hub); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *backends) openStore(ctx context.Context, cfg Config, log Logger) error {
	switch cfg.Store {
	case StorePostgres:
		st, err := messaging.NewPostgresStore(b.pool, messaging.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if cfg.DBAutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema: %w", err)
			}
			log.Info("db.schema.ensured", "schema", cfg.DBSchema)
		}
		b.store = st
		b.onClose("postgres_store", func(context.Context) error { return st.Close() })
		log.Info("store.enabled", "store", StorePostgres)

	case StoreMongo:
		client, err := messaging.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		b.onClose("mongo", func(ctx context.Context) error { return client.Disconnect(ctx) })
		b.onReady("mongo", func(ctx context.Context) error { return client.Ping(ctx, nil) })

		st, err := messaging.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err != nil {
			return err
		}
		if cfg.DBAutoMigrate {
			if err := st.EnsureIndexes(ctx); err != nil {
				return fmt.Errorf("mongo indexes: %w", err)
			}
			log.Info("mongo.indexes.ensured", "database", cfg.MongoDatabase)
		}
		b.store = st
		log.Info("store.enabled", "store", StoreMongo, "database", cfg.MongoDatabase)

	default:
		b.store = messaging.NewInMemoryStore()
		log.Info("store.enabled", "store", StoreMemory)
	}
	return nil
}

func (b *backends) openDirectory(ctx context.Context, cfg Config, log Logger) error {
	switch cfg.Directory {
	case DirectoryPostgres:
		dir, err := identity.NewPostgresDirectory(b.pool, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if cfg.DBAutoMigrate {
			if err := dir.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("directory schema: %w", err)
			}
		}
		users, err := parseDevUsers(cfg.DevUsers)
		if err != nil {
			return err
		}
		for _, u := range users {
			if err := dir.UpsertUser(ctx, u); err != nil {
				return fmt.Errorf("seed user %s: %w", u.ID, err)
			}
		}
		b.users = dir

	case DirectoryHTTP:
		dir, err := identity.NewHTTPDirectory(log, identity.HTTPDirectoryConfig{
			BaseURL:      cfg.DirectoryURL,
			ServiceToken: cfg.DirectoryToken,
			Timeout:      cfg.DirectoryTimeout,
		})
		if err != nil {
			return err
		}
		b.users = dir

	default:
		users, err := parseDevUsers(cfg.DevUsers)
		if err != nil {
			return err
		}
		b.users = identity.NewMemoryDirectory(users...)
		if len(users) == 0 {
			log.Warn("directory.memory.empty", "hint", "set INBOX_DEV_USERS=id:Name:role,...")
		}
	}
	log.Info("directory.enabled", "directory", cfg.Directory)
	return nil
}

func (b *backends) openEvents(cfg Config, log Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		b.events = events.Nop{}
		return nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		return err
	}
	b.events = p
	b.onClose("kafka", func(context.Context) error { return p.Close() })
	log.Info("events.enabled", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaTopic)
	return nil
}

func (b *backends) openFanout(ctx context.Context, cfg Config, log Logger, hub *realtime.Hub) error {
	node := realtime.NewNodeID()

	switch cfg.Fanout {
	case FanoutNATS:
		nc, err := realtime.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		f := realtime.NewNATSFanout(log, nc, hub, node)
		b.fanout = f
		b.onClose("nats", func(context.Context) error { return f.Close() })
		b.onReady("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

	case FanoutRedis:
		rdb, err := realtime.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f := realtime.NewRedisFanout(log, rdb, hub, node)
		b.fanout = f
		b.onClose("redis", func(context.Context) error { return f.Close() })
		b.onReady("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	default:
		b.fanout = realtime.NewLocalFanout(hub)
	}
	log.Info("fanout.enabled", "fanout", cfg.Fanout, "node", node)
	return nil
}

// parseDevUsers parses "id:Display Name:role" entries. Name and role are optional.
func parseDevUsers(entries []string) ([]identity.User, error) {
	out := make([]identity.User, 0, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, ":", 3)
		u := identity.User{ID: identity.NormalizeUserID(parts[0])}
		if u.ID == "" {
			return nil, fmt.Errorf("dev user %q: missing id", e)
		}
		u.DisplayName = u.ID
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			u.DisplayName = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			switch role := identity.Role(strings.ToLower(strings.TrimSpace(parts[2]))); role {
			case identity.RoleBrand, identity.RoleCreator, identity.RoleAdmin:
				u.Role = role
			case "":
			default:
				return nil, fmt.Errorf("dev user %q: unknown role %q", e, role)
			}
		}
		out = append(out, u)
	}
	return out, nil
}
