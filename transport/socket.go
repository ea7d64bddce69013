// File: transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/momentics/wsengine/api"
)

// Options tune sockets created by Listen and Dial.
type Options struct {
	ReuseAddr   bool          // SO_REUSEADDR on listening sockets
	NoDelay     bool          // TCP_NODELAY on connected sockets
	RecvBuffer  int           // SO_RCVBUF, 0 keeps the OS default
	SendBuffer  int           // SO_SNDBUF, 0 keeps the OS default
	DialTimeout time.Duration // connect timeout, 0 means none
}

// DefaultOptions matches the engine's listener and client defaults.
func DefaultOptions() Options {
	return Options{ReuseAddr: true, NoDelay: true, DialTimeout: 10 * time.Second}
}

// JoinHostPort formats host and a numeric port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func listenControl(o Options) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if o.ReuseAddr {
				serr = setReuseAddr(fd)
			}
			if serr == nil {
				serr = setBuffers(fd, o.RecvBuffer, o.SendBuffer)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

// tune applies per-connection options to an accepted or dialed socket.
func tune(conn net.Conn, o Options) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if o.NoDelay {
			serr = setNoDelay(fd)
		}
		if serr == nil {
			serr = setBuffers(fd, o.RecvBuffer, o.SendBuffer)
		}
	})
	if err != nil {
		return err
	}
	return serr
}

// Listener accepts TCP connections with a per-call deadline.
type Listener struct {
	ln   *net.TCPListener
	opts Options
}

// Listen binds a TCP listener on addr ("host:port").
func Listen(ctx context.Context, addr string, o Options) (*Listener, error) {
	lc := net.ListenConfig{Control: listenControl(o)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeSocket, "listen", err).WithContext("addr", addr)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, api.NewError(api.ErrCodeSocket, "listener is not TCP").WithContext("addr", addr)
	}
	return &Listener{ln: tl, opts: o}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener. Blocked Accept calls return net.ErrClosed.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits up to timeout for a connection; zero waits indefinitely.
// A timeout is reported as an error for which IsTimeout is true.
func (l *Listener) Accept(timeout time.Duration) (net.Conn, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := l.ln.SetDeadline(deadline); err != nil {
		return nil, api.Wrap(api.ErrCodeSocket, "set accept deadline", err)
	}
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := tune(conn, l.opts); err != nil {
		conn.Close()
		return nil, api.Wrap(api.ErrCodeSocket, "socket options", err)
	}
	return conn, nil
}

// Dial connects to addr. Failures are reported as api.ErrConnect.
func Dial(ctx context.Context, addr string, o Options) (net.Conn, error) {
	d := net.Dialer{Timeout: o.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeConnect, "dial", err).WithContext("addr", addr)
	}
	if err := tune(conn, o); err != nil {
		conn.Close()
		return nil, api.Wrap(api.ErrCodeConnect, "socket options", err).WithContext("addr", addr)
	}
	return conn, nil
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
