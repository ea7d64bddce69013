// File: client/client.go
// Package client dials a WebSocket server over TCP or TLS, performs the
// Upgrade and drives the connection's event loop in the background.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
)

// Config holds all configurable parameters of a client connection.
type Config struct {
	Host         string
	Port         int
	Path         string
	UseTLS       bool
	TLS          transport.TLSOptions
	Conn         protocol.Config // zero value means protocol.DefaultConfig()
	Socket       transport.Options
	ReconnectMax int // extra connect attempts after the first (0 = single attempt)
}

// DefaultConfig returns a plain-TCP configuration for localhost:8080/.
func DefaultConfig() Config {
	return Config{
		Host:   "localhost",
		Port:   8080,
		Path:   "/",
		TLS:    transport.TLSOptions{HandshakeTimeout: 10 * time.Second, HandshakeRetries: 3},
		Conn:   protocol.DefaultConfig(),
		Socket: transport.DefaultOptions(),
	}
}

// ParseURL fills host, port, path and TLS mode of cfg from a ws:// or
// wss:// URL. A bare host:port means ws:// with path "/".
func ParseURL(cfg *Config, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + raw)
		if err != nil {
			return api.Wrap(api.ErrCodeParameter, "parse websocket url", err).WithContext("url", raw)
		}
	}
	switch u.Scheme {
	case "ws":
		cfg.UseTLS = false
	case "wss":
		cfg.UseTLS = true
	default:
		return api.NewError(api.ErrCodeParameter, "unsupported url scheme").WithContext("scheme", u.Scheme)
	}
	cfg.Host = u.Hostname()
	cfg.Port = 80
	if cfg.UseTLS {
		cfg.Port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return api.Wrap(api.ErrCodeParameter, "invalid port", err).WithContext("port", p)
		}
		cfg.Port = n
	}
	cfg.Path = u.RequestURI()
	return nil
}

// Client is one established client connection.
type Client struct {
	conn   *protocol.Conn
	runErr error
	done   chan struct{}
}

// Dial connects, upgrades and starts the event loop. Connect failures are
// api.ErrConnect, TLS failures api.ErrTLSInit or api.ErrTLSHandshake and a
// refused Upgrade api.ErrHandshake. With ReconnectMax > 0 every failure is
// retried with a linear backoff.
func Dial(ctx context.Context, cfg Config, h protocol.Handler) (*Client, error) {
	if cfg.Host == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, api.NewError(api.ErrCodeParameter, "invalid server address").
			WithContext("host", cfg.Host).WithContext("port", cfg.Port)
	}
	if cfg.Conn == (protocol.Config{}) {
		cfg.Conn = protocol.DefaultConfig()
	}
	var tlsCfg *tls.Config
	if cfg.UseTLS {
		var err error
		if tlsCfg, err = cfg.TLS.ClientConfig(cfg.Host); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.ReconnectMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, api.Wrap(api.ErrCodeConnect, "dial cancelled", ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		conn, err := connect(ctx, cfg, tlsCfg, h)
		if err == nil {
			return start(conn), nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func connect(ctx context.Context, cfg Config, tlsCfg *tls.Config, h protocol.Handler) (*protocol.Conn, error) {
	addr := transport.JoinHostPort(cfg.Host, cfg.Port)
	var (
		tr   api.Transport
		mode = api.ModePlain
	)
	if tlsCfg != nil {
		tc, err := dialTLS(ctx, addr, cfg, tlsCfg)
		if err != nil {
			return nil, err
		}
		tr, mode = tc, api.ModeTLS
	} else {
		raw, err := transport.Dial(ctx, addr, cfg.Socket)
		if err != nil {
			return nil, err
		}
		tr = raw
	}

	conn := protocol.NewConn(tr, mode, protocol.RoleClient, cfg.Conn, h)
	if err := conn.HandshakeClient(cfg.Host, strconv.Itoa(cfg.Port), cfg.Path); err != nil {
		return nil, err
	}
	return conn, nil
}

// dialTLS redials for every TLS attempt: a failed tls.Conn cannot resume
// its handshake.
func dialTLS(ctx context.Context, addr string, cfg Config, tlsCfg *tls.Config) (net.Conn, error) {
	retries := cfg.TLS.HandshakeRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		raw, err := transport.Dial(ctx, addr, cfg.Socket)
		if err != nil {
			return nil, err
		}
		tc, err := transport.ClientHandshake(ctx, raw, tlsCfg, cfg.TLS.HandshakeTimeout)
		if err == nil {
			return tc, nil
		}
		raw.Close()
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func start(conn *protocol.Conn) *Client {
	c := &Client{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		c.runErr = conn.Run()
	}()
	return c
}

// Conn returns the underlying connection record.
func (c *Client) Conn() *protocol.Conn { return c.conn }

// SendText queues a text message.
func (c *Client) SendText(s string) error { return c.conn.SendText(s) }

// SendBinary queues a binary message.
func (c *Client) SendBinary(b []byte) error { return c.conn.SendBinary(b) }

// Done is closed when the event loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Wait blocks until the event loop exits and returns its result.
func (c *Client) Wait() error {
	<-c.done
	return c.runErr
}

// Close runs the closing handshake and waits for the event loop.
func (c *Client) Close(code uint16, reason string) error {
	err := c.conn.Close(code, reason)
	<-c.done
	return err
}
