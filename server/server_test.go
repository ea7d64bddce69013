// File: server/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/internal/selfsigned"
	"github.com/momentics/wsengine/protocol"
)

func echoHandler() protocol.Handler {
	return protocol.HandlerFuncs{
		Message: func(c *protocol.Conn, m protocol.Message) {
			if m.Opcode.IsData() {
				_ = c.SendMessage(m.Opcode, m.Payload)
			}
		},
	}
}

func testConfig(maxClients int) *Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaxClients = maxClients
	cfg.AcceptTimeout = 20 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Conn.HandlerTimeout = 10 * time.Millisecond
	cfg.Conn.PingIntervalCycles = 0
	cfg.Conn.ClosePollInterval = 10 * time.Millisecond
	return cfg
}

// startServer runs s in the background and returns its ws:// base URL.
func startServer(t *testing.T, s *Server, scheme string) (string, <-chan error) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background()) }()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	if s.Addr() == nil {
		t.Fatalf("listen failed: %v", <-errc)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return scheme + "://" + s.Addr().String(), errc
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, got, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.TextMessage || string(got) != msg {
		t.Fatalf("echo = %d %q, want text %q", typ, got, msg)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(0)
	if _, err := New(cfg, echoHandler()); !errors.Is(err, api.ErrParameter) {
		t.Fatalf("zero clients: %v", err)
	}
	if _, err := New(testConfig(1), nil); !errors.Is(err, api.ErrParameter) {
		t.Fatalf("nil handler: %v", err)
	}
}

func TestEchoAndClose(t *testing.T) {
	s, err := New(testConfig(3), echoHandler())
	if err != nil {
		t.Fatal(err)
	}
	url, _ := startServer(t, s, "ws")
	ws := dial(t, url)
	roundTrip(t, ws, "hello")
	roundTrip(t, ws, "world")

	// We sent our close already, so the reply must not trigger another one.
	replyCode := make(chan int, 1)
	ws.SetCloseHandler(func(code int, _ string) error {
		replyCode <- code
		return nil
	})
	if err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("close reply = %v", err)
	}
	select {
	case code := <-replyCode:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("reply code = %d", code)
		}
	default:
		t.Fatal("close handler not called")
	}
	waitFor(t, func() bool { return s.ActiveConnections() == 0 })
	if got := s.Metrics().Counter(MetricAccepted); got != 1 {
		t.Fatalf("accepted = %d", got)
	}
}

func TestTableFullRejectsWith503(t *testing.T) {
	var mu sync.Mutex
	var hookErrs []error
	s, err := New(testConfig(1), echoHandler(), WithAcceptErrorHook(func(err error) {
		mu.Lock()
		hookErrs = append(hookErrs, err)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatal(err)
	}
	url, _ := startServer(t, s, "ws")
	first := dial(t, url)
	roundTrip(t, first, "one")

	_, resp, err := websocket.DefaultDialer.Dial(url+"/echo", nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second dial err = %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second dial response = %+v", resp)
	}

	roundTrip(t, first, "still alive")
	if got := s.Metrics().Counter(MetricRejected); got != 1 {
		t.Fatalf("rejected = %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hookErrs) != 1 || !errors.Is(hookErrs[0], api.ErrAllocation) {
		t.Fatalf("hook errors = %v", hookErrs)
	}
}

func TestSlotReusedAfterDisconnect(t *testing.T) {
	s, err := New(testConfig(1), echoHandler())
	if err != nil {
		t.Fatal(err)
	}
	url, _ := startServer(t, s, "ws")
	first := dial(t, url)
	roundTrip(t, first, "a")
	first.Close()
	waitFor(t, func() bool { return s.ActiveConnections() == 0 })

	second := dial(t, url)
	roundTrip(t, second, "b")
}

func TestBadUpgradeGets400(t *testing.T) {
	s, err := New(testConfig(2), echoHandler())
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, s, "ws")
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return s.Metrics().Counter(MetricHandshakeFailed) == 1 })
}

func TestIdleShutdown(t *testing.T) {
	cfg := testConfig(1)
	cfg.IdleShutdown = true
	cfg.IdleTimeout = 100 * time.Millisecond
	s, err := New(cfg, echoHandler())
	if err != nil {
		t.Fatal(err)
	}
	_, errc := startServer(t, s, "ws")
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("idle shutdown did not trigger")
	}
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	s, err := New(testConfig(2), echoHandler())
	if err != nil {
		t.Fatal(err)
	}
	url, errc := startServer(t, s, "ws")
	ws := dial(t, url)
	roundTrip(t, ws, "x")

	readErr := make(chan error, 1)
	go func() {
		_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := ws.ReadMessage()
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	var ce *websocket.CloseError
	if err := <-readErr; !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Fatalf("client saw %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if s.ActiveConnections() != 0 {
		t.Fatalf("active = %d after shutdown", s.ActiveConnections())
	}
}

func TestServeTwice(t *testing.T) {
	s, err := New(testConfig(1), echoHandler())
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, s, "ws")
	if err := s.Serve(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second serve: %v", err)
	}
}

func TestTLSEcho(t *testing.T) {
	cert, roots, err := selfsigned.New()
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(testConfig(2), echoHandler(), WithTLSConfig(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}))
	if err != nil {
		t.Fatal(err)
	}
	url, _ := startServer(t, s, "wss")
	d := websocket.Dialer{
		TLSClientConfig:  &tls.Config{RootCAs: roots, ServerName: "127.0.0.1"},
		HandshakeTimeout: 2 * time.Second,
	}
	ws, _, err := d.Dial(url+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	roundTrip(t, ws, "secure")
}

func TestConfigFromControl(t *testing.T) {
	cc := control.Default()
	cc.Server.MaxClients = 5
	cc.Server.ListenAddr = "127.0.0.1:0"
	cfg, err := ConfigFrom(cc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxClients != 5 || cfg.ListenAddr != "127.0.0.1:0" || cfg.TLS != nil {
		t.Fatalf("config = %+v", cfg)
	}

	cc.TLS.Enabled = true
	if cfg, err = ConfigFrom(cc); err != nil {
		t.Fatal(err)
	}
	if cfg.TLS == nil {
		t.Fatal("tls options not carried over")
	}
	if _, err := New(cfg, echoHandler()); !errors.Is(err, api.ErrTLSInit) {
		t.Fatalf("tls without certificate: %v", err)
	}
}

func TestZeroConnConfigUsesDefaults(t *testing.T) {
	cfg := testConfig(1)
	cfg.Conn = protocol.Config{}
	s, err := New(cfg, echoHandler())
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.Conn.PingIntervalCycles != protocol.DefaultConfig().PingIntervalCycles {
		t.Fatalf("keepalive cycles = %d", s.cfg.Conn.PingIntervalCycles)
	}
	if cfg.Conn != (protocol.Config{}) {
		t.Fatal("caller config mutated")
	}
}
