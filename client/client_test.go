// File: client/client_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
)

var upgrader = websocket.Upgrader{}

// echoServer answers every data message with the same message. A text
// message "bye" makes it close with 4000.
func echoServer(t *testing.T, useTLS bool) *httptest.Server {
	t.Helper()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			typ, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if typ == websocket.TextMessage && string(msg) == "bye" {
				_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "done"), time.Now().Add(time.Second))
				continue
			}
			if err := ws.WriteMessage(typ, msg); err != nil {
				return
			}
		}
	})
	var srv *httptest.Server
	if useTLS {
		srv = httptest.NewTLSServer(h)
	} else {
		srv = httptest.NewServer(h)
	}
	t.Cleanup(srv.Close)
	return srv
}

// wsURL maps an httptest http(s):// URL to ws(s)://.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func configFor(t *testing.T, rawURL string) Config {
	t.Helper()
	cfg := DefaultConfig()
	if err := ParseURL(&cfg, rawURL); err != nil {
		t.Fatal(err)
	}
	cfg.Path = "/echo"
	cfg.Conn.HandlerTimeout = 10 * time.Millisecond
	cfg.Conn.PingIntervalCycles = 0
	cfg.Conn.ClosePollInterval = 10 * time.Millisecond
	return cfg
}

type inbox struct {
	msgs   chan protocol.Message
	events chan protocol.Connectivity
}

func newInbox() *inbox {
	return &inbox{msgs: make(chan protocol.Message, 16), events: make(chan protocol.Connectivity, 4)}
}

func (b *inbox) handler() protocol.Handler {
	return protocol.HandlerFuncs{
		Message: func(_ *protocol.Conn, m protocol.Message) {
			if m.Opcode.IsData() {
				b.msgs <- m
			}
		},
		Connectivity: func(_ *protocol.Conn, ev protocol.Connectivity) { b.events <- ev },
	}
}

func (b *inbox) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-b.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return protocol.Message{}
}

func TestParseURL(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
		path string
		tls  bool
	}{
		{"ws://example.com/chat?x=1", "example.com", 80, "/chat?x=1", false},
		{"wss://example.com:8443/", "example.com", 8443, "/", true},
		{"127.0.0.1:9000", "127.0.0.1", 9000, "/", false},
		{"localhost:8080", "localhost", 8080, "/", false},
	}
	for _, tc := range cases {
		var cfg Config
		if err := ParseURL(&cfg, tc.in); err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if cfg.Host != tc.host || cfg.Port != tc.port || cfg.Path != tc.path || cfg.UseTLS != tc.tls {
			t.Errorf("%s: got %+v", tc.in, cfg)
		}
	}
	var cfg Config
	if err := ParseURL(&cfg, "http://example.com"); !errors.Is(err, api.ErrParameter) {
		t.Fatalf("http scheme: %v", err)
	}
}

func TestEchoAgainstGorilla(t *testing.T) {
	srv := echoServer(t, false)
	box := newInbox()
	c, err := Dial(context.Background(), configFor(t, wsURL(srv)), box.handler())
	if err != nil {
		t.Fatal(err)
	}
	if ev := <-box.events; ev != protocol.Connected {
		t.Fatalf("first event = %v", ev)
	}

	if err := c.SendText("hello"); err != nil {
		t.Fatal(err)
	}
	if m := box.next(t); m.Opcode != protocol.OpcodeText || string(m.Payload) != "hello" {
		t.Fatalf("echo = %+v", m)
	}
	big := make([]byte, 70000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := c.SendBinary(big); err != nil {
		t.Fatal(err)
	}
	if m := box.next(t); m.Opcode != protocol.OpcodeBinary || len(m.Payload) != len(big) {
		t.Fatalf("binary echo: op %v len %d", m.Opcode, len(m.Payload))
	}

	if err := c.Close(protocol.CloseNormalClosure, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ev := <-box.events; ev != protocol.Closed {
		t.Fatalf("last event = %v", ev)
	}
	if st := c.Conn().State(); st != api.StateStopped {
		t.Fatalf("state = %v", st)
	}
}

func TestServerInitiatedClose(t *testing.T) {
	srv := echoServer(t, false)
	box := newInbox()
	c, err := Dial(context.Background(), configFor(t, wsURL(srv)), box.handler())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendText("bye"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("event loop did not exit after server close")
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestTLSEchoAgainstGorilla(t *testing.T) {
	srv := echoServer(t, true)
	cfg := configFor(t, wsURL(srv))
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	cfg.TLS.RootCAs = roots

	box := newInbox()
	c, err := Dial(context.Background(), cfg, box.handler())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(0, "")
	if c.Conn().Mode() != api.ModeTLS {
		t.Fatalf("mode = %v", c.Conn().Mode())
	}
	if err := c.SendText("secure"); err != nil {
		t.Fatal(err)
	}
	if m := box.next(t); string(m.Payload) != "secure" {
		t.Fatalf("echo = %q", m.Payload)
	}
}

func TestUntrustedTLSServer(t *testing.T) {
	srv := echoServer(t, true)
	cfg := configFor(t, wsURL(srv))
	cfg.TLS.HandshakeRetries = 2
	_, err := Dial(context.Background(), cfg, newInbox().handler())
	if !errors.Is(err, api.ErrTLSHandshake) {
		t.Fatalf("err = %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := configFor(t, addr)
	if _, err := Dial(context.Background(), cfg, newInbox().handler()); !errors.Is(err, api.ErrConnect) {
		t.Fatalf("err = %v", err)
	}
}

func TestTamperedAcceptKey(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: AAAAAAAAAAAAAAAAAAAAAAAAAAA=\r\n\r\n"))
		_, _ = conn.Read(make([]byte, 1))
	}()

	box := newInbox()
	_, err = Dial(context.Background(), configFor(t, ln.Addr().String()), box.handler())
	if !errors.Is(err, api.ErrHandshake) {
		t.Fatalf("err = %v", err)
	}
	select {
	case ev := <-box.events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestInvalidAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	if _, err := Dial(context.Background(), cfg, nil); !errors.Is(err, api.ErrParameter) {
		t.Fatalf("err = %v", err)
	}
}

func TestWSURLSchemes(t *testing.T) {
	plain := echoServer(t, false)
	secure := echoServer(t, true)
	if cfg := configFor(t, wsURL(plain)); cfg.UseTLS {
		t.Fatalf("plain server parsed as tls: %+v", cfg)
	}
	if cfg := configFor(t, wsURL(secure)); !cfg.UseTLS {
		t.Fatalf("tls server parsed as plain: %+v", cfg)
	}
}

func TestZeroConnConfigUsesDefaults(t *testing.T) {
	srv := echoServer(t, false)
	cfg := configFor(t, wsURL(srv))
	cfg.Conn = protocol.Config{}
	c, err := Dial(context.Background(), cfg, newInbox().handler())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(0, "")
	got, want := c.Conn().Config(), protocol.DefaultConfig()
	if got.PingIntervalCycles != want.PingIntervalCycles || got.IORetries != want.IORetries {
		t.Fatalf("keepalive %d retries %d, want %d/%d", got.PingIntervalCycles, got.IORetries, want.PingIntervalCycles, want.IORetries)
	}
}
