// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr      string                // TCP bind address, e.g. ":9000"
	MaxClients      int                   // connection table capacity
	AcceptTimeout   time.Duration         // bounded wait of one accept
	IdleShutdown    bool                  // stop when idle with no clients
	IdleTimeout     time.Duration         // idle period before IdleShutdown applies
	ShutdownTimeout time.Duration         // graceful shutdown bound when ctx ends Serve
	TLS             *transport.TLSOptions // nil serves plain TCP
	Conn            protocol.Config       // per-connection template; zero value means protocol.DefaultConfig()
	Socket          transport.Options
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		MaxClients:      3,
		AcceptTimeout:   time.Second,
		IdleShutdown:    false,
		IdleTimeout:     10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Conn:            protocol.DefaultConfig(),
		Socket:          transport.DefaultOptions(),
	}
}

// ConfigFrom converts a loaded configuration file. TLS is enabled only when
// the tls section says so.
func ConfigFrom(c *control.Config) (*Config, error) {
	cfg := DefaultConfig()
	cfg.ListenAddr = c.Server.ListenAddr
	cfg.MaxClients = c.Server.MaxClients
	cfg.AcceptTimeout = c.Server.AcceptTimeout
	cfg.IdleShutdown = c.Server.IdleShutdown
	cfg.IdleTimeout = c.Server.IdleTimeout
	cfg.Conn = c.ProtocolConfig(nil)
	if c.TLS.Enabled {
		opts, err := c.TLSOptions()
		if err != nil {
			return nil, err
		}
		cfg.TLS = &opts
	}
	return cfg, nil
}
