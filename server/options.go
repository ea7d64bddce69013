// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"log/slog"

	"github.com/momentics/wsengine/control"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger sets the server logger; connections derive theirs from it.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records server counters into an existing registry.
func WithMetrics(mr *control.MetricsRegistry) ServerOption {
	return func(s *Server) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithAcceptErrorHook receives accept-loop errors, including connections
// rejected because the table is full (api.ErrAllocation).
func WithAcceptErrorHook(fn func(error)) ServerOption {
	return func(s *Server) {
		s.onAcceptError = fn
	}
}

// WithTLSConfig serves TLS with a prepared config instead of Config.TLS files.
func WithTLSConfig(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}
