package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"inbox/cmd/internal/realtime"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Fan-out backends.
const (
	FanoutLocal = "local"
	FanoutNATS  = "nats"
	FanoutRedis = "redis"
)

// Directory backends.
const (
	DirectoryMemory   = "memory"
	DirectoryPostgres = "postgres"
	DirectoryHTTP     = "http"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	Store string

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	MongoURI      string
	MongoDatabase string

	Fanout        string
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Empty KafkaBrokers disables domain events.
	KafkaBrokers []string
	KafkaTopic   string

	Directory        string
	DirectoryURL     string
	DirectoryToken   string
	DirectoryTimeout time.Duration
	// DevUsers seeds the memory directory: "id:Display Name:role" entries.
	DevUsers []string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	HTTPRateLimit  int
	HTTPRateWindow time.Duration

	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSDevInsecure       bool
	WSMaxFrameBytes     int
	WSSendQueue         int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	// If true, /readyz returns 503 unless a database backs the store.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	wsDefaults := realtime.DefaultGatewayConfig()

	cfg := Config{
		HTTPAddr:  EnvString("INBOX_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("INBOX_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("INBOX_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("INBOX_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("INBOX_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("INBOX_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("INBOX_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("INBOX_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("INBOX_SHUTDOWN_TIMEOUT", 10*time.Second),

		Store: strings.ToLower(EnvString("INBOX_STORE", "")),

		DatabaseURL:   EnvString("INBOX_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("INBOX_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("INBOX_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("INBOX_DB_SCHEMA", "inbox"),
		DBAutoMigrate: EnvBool("INBOX_DB_AUTO_MIGRATE", false),

		MongoURI:      EnvString("INBOX_MONGO_URI", ""),
		MongoDatabase: EnvString("INBOX_MONGO_DATABASE", "inbox"),

		Fanout:        strings.ToLower(EnvString("INBOX_FANOUT", FanoutLocal)),
		NATSURL:       EnvString("INBOX_NATS_URL", ""),
		RedisAddr:     EnvString("INBOX_REDIS_ADDR", ""),
		RedisPassword: EnvString("INBOX_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("INBOX_REDIS_DB", 0),

		KafkaBrokers: EnvCSV("INBOX_KAFKA_BROKERS", nil),
		KafkaTopic:   EnvString("INBOX_KAFKA_TOPIC", "inbox.events"),

		Directory:        strings.ToLower(EnvString("INBOX_DIRECTORY", "")),
		DirectoryURL:     EnvString("INBOX_DIRECTORY_URL", ""),
		DirectoryToken:   EnvString("INBOX_DIRECTORY_TOKEN", ""),
		DirectoryTimeout: EnvDuration("INBOX_DIRECTORY_TIMEOUT", 3*time.Second),
		DevUsers:         EnvCSV("INBOX_DEV_USERS", nil),

		CORSAllowedOrigins:   EnvCSV("INBOX_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("INBOX_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("INBOX_CORS_MAX_AGE", 600),

		HTTPRateLimit:  EnvInt("INBOX_HTTP_RATE_LIMIT", 120),
		HTTPRateWindow: EnvDuration("INBOX_HTTP_RATE_WINDOW", time.Minute),

		WSOriginRequired:    EnvBool("INBOX_WS_ORIGIN_REQUIRED", wsDefaults.OriginRequired),
		WSAllowedOrigins:    EnvCSV("INBOX_WS_ALLOWED_ORIGINS", wsDefaults.AllowedOrigins),
		WSDevInsecure:       EnvBool("INBOX_WS_DEV_INSECURE", false),
		WSMaxFrameBytes:     EnvInt("INBOX_WS_MAX_FRAME_BYTES", int(wsDefaults.MaxFrameBytes)),
		WSSendQueue:         EnvInt("INBOX_WS_SEND_QUEUE", wsDefaults.SendQueueSize),
		WSWriteTimeout:      EnvDuration("INBOX_WS_WRITE_TIMEOUT", wsDefaults.WriteTimeout),
		WSReadIdleTimeout:   EnvDuration("INBOX_WS_READ_IDLE_TIMEOUT", wsDefaults.ReadIdleTimeout),
		WSHeartbeatInterval: EnvDuration("INBOX_WS_HEARTBEAT_INTERVAL", wsDefaults.HeartbeatInterval),
		WSHeartbeatTimeout:  EnvDuration("INBOX_WS_HEARTBEAT_TIMEOUT", wsDefaults.HeartbeatTimeout),
		WSRateEvents:        EnvInt("INBOX_WS_RATE_EVENTS", wsDefaults.RateEvents),
		WSRateWindow:        EnvDuration("INBOX_WS_RATE_WINDOW", wsDefaults.RateWindow),

		ReadinessRequireDB: EnvBool("INBOX_READINESS_REQUIRE_DB", false),
	}

	// A database URL alone selects Postgres, matching the older single-backend deployments.
	if cfg.Store == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.Store = StorePostgres
		case cfg.MongoURI != "":
			cfg.Store = StoreMongo
		default:
			cfg.Store = StoreMemory
		}
	}
	if cfg.Directory == "" {
		switch {
		case cfg.DirectoryURL != "":
			cfg.Directory = DirectoryHTTP
		case cfg.Store == StorePostgres:
			cfg.Directory = DirectoryPostgres
		default:
			cfg.Directory = DirectoryMemory
		}
	}
	return cfg
}

// Validate reports configuration that cannot produce a working server.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("INBOX_STORE=postgres requires INBOX_DATABASE_URL"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("INBOX_STORE=mongo requires INBOX_MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INBOX_STORE %q", c.Store))
	}

	switch c.Fanout {
	case FanoutLocal:
	case FanoutNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("INBOX_FANOUT=nats requires INBOX_NATS_URL"))
		}
	case FanoutRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("INBOX_FANOUT=redis requires INBOX_REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INBOX_FANOUT %q", c.Fanout))
	}

	switch c.Directory {
	case DirectoryMemory:
	case DirectoryPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("INBOX_DIRECTORY=postgres requires INBOX_DATABASE_URL"))
		}
	case DirectoryHTTP:
		if c.DirectoryURL == "" {
			errs = append(errs, errors.New("INBOX_DIRECTORY=http requires INBOX_DIRECTORY_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INBOX_DIRECTORY %q", c.Directory))
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown INBOX_LOG_FORMAT %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Gateway returns the websocket gateway settings.
func (c Config) Gateway() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		DevInsecure:       c.WSDevInsecure,
		MaxFrameBytes:     int64(c.WSMaxFrameBytes),
		SendQueueSize:     c.WSSendQueue,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}

// UsesDB reports whether the server needs a Postgres pool.
func (c Config) UsesDB() bool {
	return c.Store == StorePostgres || c.Directory == DirectoryPostgres
}

// LoadEnvFile loads INBOX_ENV_FILE (default ".env") into the process environment.
// Variables already set win over the file, and a missing file is not an error.
func LoadEnvFile() error {
	path := EnvString("INBOX_ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
