// File: server/server.go
// Package server implements the multi-client WebSocket server: the accept
// loop, the fixed-capacity connection table and one worker goroutine per
// connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/pool"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
)

// Metric names recorded by the server.
const (
	MetricAccepted        = "connections.accepted"
	MetricRejected        = "connections.rejected"
	MetricHandshakeFailed = "handshake.failed"
	MetricTLSFailed       = "tls.handshake.failed"
	MetricActive          = "connections.active"
	MetricCapacity        = "table.capacity"
)

var ErrAlreadyRunning = api.NewError(api.ErrCodeInit, "server already running")

// Server is the accept loop plus its connection table.
type Server struct {
	cfg           *Config
	handler       protocol.Handler
	log           *slog.Logger
	metrics       *control.MetricsRegistry
	onAcceptError func(error)
	tlsConfig     *tls.Config

	table *pool.Table[protocol.Conn]
	wg    sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	ln        *transport.Listener
	ready     chan struct{}
	readyOnce sync.Once

	running      atomic.Bool
	closing      atomic.Bool
	lastActivity atomic.Int64
}

// New builds a server. The handler is shared by every connection.
func New(cfg *Config, h protocol.Handler, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxClients < 1 {
		return nil, api.NewError(api.ErrCodeParameter, "max clients must be positive").WithContext("max_clients", cfg.MaxClients)
	}
	if h == nil {
		return nil, api.NewError(api.ErrCodeParameter, "nil handler")
	}
	if cfg.Conn == (protocol.Config{}) {
		c := *cfg
		c.Conn = protocol.DefaultConfig()
		cfg = &c
	}
	s := &Server{
		cfg:     cfg,
		handler: h,
		log:     slog.Default(),
		table:   pool.NewTable[protocol.Conn](cfg.MaxClients),
		ready:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = control.NewMetricsRegistry()
	}
	if s.tlsConfig == nil && cfg.TLS != nil {
		tc, err := cfg.TLS.ServerConfig()
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tc
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.metrics.RegisterProbe(MetricActive, func() any { return s.table.Len() })
	s.metrics.RegisterProbe(MetricCapacity, func() any { return s.table.Cap() })
	return s, nil
}

// Metrics returns the registry the server records into.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// Ready is closed once Serve has bound its listener (or failed to).
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ActiveConnections returns the number of occupied table slots.
func (s *Server) ActiveConnections() int { return s.table.Len() }

func (s *Server) mode() api.TransportMode {
	if s.tlsConfig != nil {
		return api.ModeTLS
	}
	return api.ModePlain
}

// Serve listens and accepts until ctx ends, Shutdown is called, or idle
// shutdown triggers. Rejected connections never stop the loop.
func (s *Server) Serve(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ln, err := transport.Listen(ctx, s.cfg.ListenAddr, s.cfg.Socket)
	if err != nil {
		s.readyOnce.Do(func() { close(s.ready) })
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info("websocket server listening", "addr", ln.Addr().String(), "mode", s.mode().String(), "max_clients", s.table.Cap())
	s.touch()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept(s.cfg.AcceptTimeout)
		if err != nil {
			switch {
			case transport.IsTimeout(err):
				if s.idleExpired() {
					s.log.Info("no clients within idle timeout, stopping listener", "idle_timeout", s.cfg.IdleTimeout)
					return nil
				}
				continue
			case ctx.Err() != nil:
				sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
				defer cancel()
				return s.Shutdown(sctx)
			case s.closing.Load() || errors.Is(err, net.ErrClosed):
				return nil
			}
			s.acceptError(api.Wrap(api.ErrCodeSocket, "accept", err))
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		s.touch()
		s.dispatch(conn)
	}
}

func (s *Server) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Server) idleExpired() bool {
	if !s.cfg.IdleShutdown || s.table.Len() > 0 {
		return false
	}
	return time.Since(time.Unix(0, s.lastActivity.Load())) >= s.cfg.IdleTimeout
}

func (s *Server) acceptError(err error) {
	s.log.Warn("accept failed", "error", err)
	if s.onAcceptError != nil {
		s.onAcceptError(err)
	}
}

// dispatch claims a table slot for conn and hands it to a worker. A full
// table gets a 503 and the socket is closed; existing clients are untouched.
func (s *Server) dispatch(conn net.Conn) {
	idx, ok := s.table.Claim()
	if !ok || s.closing.Load() {
		if ok {
			s.table.Release(idx)
		}
		s.metrics.Inc(MetricRejected)
		s.acceptError(api.NewError(api.ErrCodeAllocation, "connection table full").
			WithContext("capacity", s.table.Cap()).
			WithContext("remote", conn.RemoteAddr().String()))
		s.wg.Add(1)
		go s.refuse(conn)
		return
	}
	s.metrics.Inc(MetricAccepted)
	s.wg.Add(1)
	go s.worker(idx, conn)
}

// refuse answers 503 and lingers briefly so the reply is not lost to a
// reset caused by the unread request.
func (s *Server) refuse(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(time.Second))
	if err := protocol.WriteStatus(conn, 503, "Service Unavailable"); err != nil {
		return
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// Shutdown stops accepting, closes every connection with 1001 and waits
// for the workers to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.cancel()
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()

	var closers sync.WaitGroup
	s.table.Range(func(_ int, c *protocol.Conn) bool {
		closers.Add(1)
		go func() {
			defer closers.Done()
			_ = c.Close(protocol.CloseGoingAway, "server shutdown")
		}()
		return true
	})

	done := make(chan struct{})
	go func() {
		closers.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("websocket server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
