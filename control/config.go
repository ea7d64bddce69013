// control/config.go
// Author: momentics <momentics@gmail.com>
//
// YAML configuration for servers, clients and connections.

package control

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
)

// Config is the root of a configuration file.
type Config struct {
	Server     ServerSection     `yaml:"server"`
	Connection ConnectionSection `yaml:"connection"`
	TLS        TLSSection        `yaml:"tls"`
	Log        LogSection        `yaml:"log"`
}

// ServerSection configures the accept loop.
type ServerSection struct {
	ListenAddr    string        `yaml:"listen_addr"`
	MaxClients    int           `yaml:"max_clients"`
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
	IdleShutdown  bool          `yaml:"idle_shutdown"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// ConnectionSection mirrors protocol.Config.
type ConnectionSection struct {
	HandlerTimeout     time.Duration `yaml:"handler_timeout"`
	PingIntervalCycles int           `yaml:"ping_interval_cycles"`
	MaxPingIgnore      int           `yaml:"max_ping_ignore"`
	IORetries          int           `yaml:"io_retries"`
	CloseRetries       int           `yaml:"close_retries"`
	ClosePollInterval  time.Duration `yaml:"close_poll_interval"`
	MaxMessageSize     int64         `yaml:"max_message_size"`
	MaxHeaderSize      int           `yaml:"max_header_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

// TLSSection holds the credential bundle and session options.
type TLSSection struct {
	Enabled          bool          `yaml:"enabled"`
	CertFile         string        `yaml:"cert_file"`
	KeyFile          string        `yaml:"key_file"`
	CAFile           string        `yaml:"ca_file"`
	Verify           string        `yaml:"verify"`
	ServerName       string        `yaml:"server_name"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HandshakeRetries int           `yaml:"handshake_retries"`
}

// LogSection selects slog level and output format.
type LogSection struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	pc := protocol.DefaultConfig()
	return &Config{
		Server: ServerSection{
			ListenAddr:    ":8080",
			MaxClients:    3,
			AcceptTimeout: time.Second,
			IdleShutdown:  false,
			IdleTimeout:   10 * time.Second,
		},
		Connection: ConnectionSection{
			HandlerTimeout:     pc.HandlerTimeout,
			PingIntervalCycles: pc.PingIntervalCycles,
			MaxPingIgnore:      pc.MaxPingIgnore,
			IORetries:          pc.IORetries,
			CloseRetries:       pc.CloseRetries,
			ClosePollInterval:  pc.ClosePollInterval,
			MaxMessageSize:     pc.MaxMessageSize,
			MaxHeaderSize:      pc.MaxHeaderSize,
			HandshakeTimeout:   pc.HandshakeTimeout,
		},
		TLS: TLSSection{
			Verify:           "required",
			HandshakeTimeout: 10 * time.Second,
			HandshakeRetries: 3,
		},
		Log: LogSection{Level: "info", Format: "text"},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, api.Wrap(api.ErrCodeParameter, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeParameter, "read config", err).WithContext("path", path)
	}
	return Parse(data)
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	invalid := func(field string, v any) error {
		return api.NewError(api.ErrCodeParameter, "invalid config value").WithContext("field", field).WithContext("value", v)
	}
	switch {
	case c.Server.MaxClients < 1:
		return invalid("server.max_clients", c.Server.MaxClients)
	case c.Server.AcceptTimeout < 0:
		return invalid("server.accept_timeout", c.Server.AcceptTimeout)
	case c.Server.IdleShutdown && c.Server.IdleTimeout <= 0:
		return invalid("server.idle_timeout", c.Server.IdleTimeout)
	case c.Connection.HandlerTimeout <= 0:
		return invalid("connection.handler_timeout", c.Connection.HandlerTimeout)
	case c.Connection.PingIntervalCycles < 0:
		return invalid("connection.ping_interval_cycles", c.Connection.PingIntervalCycles)
	case c.Connection.MaxPingIgnore < 1:
		return invalid("connection.max_ping_ignore", c.Connection.MaxPingIgnore)
	case c.Connection.IORetries < 0:
		return invalid("connection.io_retries", c.Connection.IORetries)
	case c.Connection.CloseRetries < 1:
		return invalid("connection.close_retries", c.Connection.CloseRetries)
	case c.Connection.MaxHeaderSize < 64:
		return invalid("connection.max_header_size", c.Connection.MaxHeaderSize)
	case c.Connection.MaxMessageSize < 1:
		return invalid("connection.max_message_size", c.Connection.MaxMessageSize)
	case (c.TLS.CertFile == "") != (c.TLS.KeyFile == ""):
		return invalid("tls.cert_file/tls.key_file", "both or neither")
	case c.TLS.HandshakeRetries < 0:
		return invalid("tls.handshake_retries", c.TLS.HandshakeRetries)
	}
	if _, err := transport.ParseVerifyMode(c.TLS.Verify); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ProtocolConfig converts the connection section.
func (c *Config) ProtocolConfig(logger *slog.Logger) protocol.Config {
	cc := c.Connection
	return protocol.Config{
		HandlerTimeout:     cc.HandlerTimeout,
		PingIntervalCycles: cc.PingIntervalCycles,
		MaxPingIgnore:      cc.MaxPingIgnore,
		IORetries:          cc.IORetries,
		CloseRetries:       cc.CloseRetries,
		ClosePollInterval:  cc.ClosePollInterval,
		MaxMessageSize:     cc.MaxMessageSize,
		MaxHeaderSize:      cc.MaxHeaderSize,
		HandshakeTimeout:   cc.HandshakeTimeout,
		Logger:             logger,
	}
}

// TLSOptions converts the tls section.
func (c *Config) TLSOptions() (transport.TLSOptions, error) {
	mode, err := transport.ParseVerifyMode(c.TLS.Verify)
	if err != nil {
		return transport.TLSOptions{}, err
	}
	return transport.TLSOptions{
		CertFile:         c.TLS.CertFile,
		KeyFile:          c.TLS.KeyFile,
		CAFile:           c.TLS.CAFile,
		Verify:           mode,
		ServerName:       c.TLS.ServerName,
		HandshakeTimeout: c.TLS.HandshakeTimeout,
		HandshakeRetries: c.TLS.HandshakeRetries,
	}, nil
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, api.Wrap(api.ErrCodeParameter, "invalid log level", err).WithContext("level", s)
	}
	return level, nil
}
