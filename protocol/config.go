// File: protocol/config.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"io"
	"log/slog"
	"time"
)

// Config holds per-connection tunables of the event loop, keepalive
// supervisor and close sequencer. Start from DefaultConfig: zero fields get
// defaults, except PingIntervalCycles and IORetries, where zero is a
// setting (keepalive off, no retries) and a negative value asks for the
// default. client.Dial and server.New treat an entirely zero Config as
// unset and use DefaultConfig.
type Config struct {
	HandlerTimeout     time.Duration // bounded wait of one loop iteration
	PingIntervalCycles int           // idle iterations before a ping (0 = keepalive off)
	MaxPingIgnore      int           // unanswered pings before the connection is declared dead
	IORetries          int           // retries of a failed read/write before escalation
	CloseRetries       int           // close sequencer poll count
	ClosePollInterval  time.Duration // close sequencer poll interval
	MaxMessageSize     int64         // largest reassembled inbound message
	MaxHeaderSize      int           // Upgrade header cap
	HandshakeTimeout   time.Duration // deadline for the whole Upgrade exchange
	ReadBufferSize     int           // bytes pulled from the transport per read
	Rand               io.Reader     // nonce source; crypto/rand when nil
	Logger             *slog.Logger
}

// DefaultConfig returns baseline connection settings.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout:     100 * time.Millisecond,
		PingIntervalCycles: 10,
		MaxPingIgnore:      3,
		IORetries:          3,
		CloseRetries:       50,
		ClosePollInterval:  100 * time.Millisecond,
		MaxMessageSize:     DefaultMaxMessageSize,
		MaxHeaderSize:      DefaultMaxHandshakeHeaderSize,
		HandshakeTimeout:   10 * time.Second,
		ReadBufferSize:     4096,
	}
}

// withDefaults fills zero fields from DefaultConfig. PingIntervalCycles is
// taken as given so that zero disables keepalive; negative means default.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.PingIntervalCycles < 0 {
		c.PingIntervalCycles = d.PingIntervalCycles
	}
	if c.MaxPingIgnore <= 0 {
		c.MaxPingIgnore = d.MaxPingIgnore
	}
	if c.IORetries < 0 {
		c.IORetries = d.IORetries
	}
	if c.CloseRetries <= 0 {
		c.CloseRetries = d.CloseRetries
	}
	if c.ClosePollInterval <= 0 {
		c.ClosePollInterval = d.ClosePollInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = d.MaxHeaderSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
