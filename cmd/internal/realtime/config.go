package realtime

import "time"

// GatewayConfig holds the websocket gateway knobs. The zero value of any field
// falls back to DefaultGatewayConfig.
type GatewayConfig struct {
	// OriginRequired rejects handshakes without an Origin header (non-browser clients).
	OriginRequired bool
	// AllowedOrigins match on the full origin or on its host alone. "*" admits any origin.
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept's own origin verification. Local development only.
	DevInsecure bool

	MaxFrameBytes   int64
	SendQueueSize   int
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxPingFailures   int

	// RateEvents inbound events per RateWindow, shared by every session of one user.
	RateEvents int
	RateWindow time.Duration
}

const minSendQueueSize = 32

// DefaultGatewayConfig returns browser-safe defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},

		MaxFrameBytes:   64 << 10,
		SendQueueSize:   256,
		WriteTimeout:    5 * time.Second,
		ReadIdleTimeout: 2 * time.Minute,

		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxPingFailures:   3,

		RateEvents: 120,
		RateWindow: 10 * time.Second,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	c.SendQueueSize = max(c.SendQueueSize, minSendQueueSize)
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = def.MaxPingFailures
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}
