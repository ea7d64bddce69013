// File: server/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
)

// worker owns one table slot for the lifetime of one connection: TLS
// accept, Upgrade handshake, event loop, release.
func (s *Server) worker(idx int, raw net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.table.Release(idx)
		s.touch()
	}()

	var tr api.Transport = raw
	mode := api.ModePlain
	if s.tlsConfig != nil {
		var timeout = s.cfg.Conn.HandshakeTimeout
		if s.cfg.TLS != nil && s.cfg.TLS.HandshakeTimeout > 0 {
			timeout = s.cfg.TLS.HandshakeTimeout
		}
		tc, err := transport.ServerHandshake(s.baseCtx, raw, s.tlsConfig, timeout)
		if err != nil {
			s.metrics.Inc(MetricTLSFailed)
			s.log.Warn("tls accept failed", "remote", raw.RemoteAddr().String(), "error", err)
			raw.Close()
			return
		}
		tr, mode = tc, api.ModeTLS
	}

	cfg := s.cfg.Conn
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	c := protocol.NewConn(tr, mode, protocol.RoleServer, cfg, s.handler)
	s.table.Set(idx, c)
	if s.closing.Load() {
		_ = c.Close(protocol.CloseGoingAway, "server shutdown")
		return
	}

	if err := c.HandshakeServer(); err != nil {
		s.metrics.Inc(MetricHandshakeFailed)
		return
	}
	if err := c.Run(); err != nil {
		c.Logger().Debug("connection ended with error", "error", err)
	}
}
