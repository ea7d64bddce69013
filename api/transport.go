// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Defines the socket abstraction the engine performs I/O through.
// Both net.Conn and *tls.Conn satisfy it, which keeps the handshake and
// framing layers transport-agnostic.

package api

import (
	"net"
	"time"
)

// Transport abstracts a full-duplex stream connection.
type Transport interface {
	// Read reads into a preallocated buffer.
	Read(p []byte) (n int, err error)

	// Write writes buffer contents into the connection.
	Write(p []byte) (n int, err error)

	// Close shuts down the connection, releasing any TLS session.
	Close() error

	// SetReadDeadline bounds the next Read; it is also used to wake a blocked Read.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline bounds the next Write.
	SetWriteDeadline(t time.Time) error

	// RemoteAddr reports the peer address for logging.
	RemoteAddr() net.Addr
}
