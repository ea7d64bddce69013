package protocol

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/momentics/wsengine/api"
)

type serverResult struct {
	req  *UpgradeRequest
	rest []byte
	err  error
}

func TestHandshakeRoundTrip(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	done := make(chan serverResult, 1)
	go func() {
		req, rest, err := ServerHandshake(srv, 0)
		done <- serverResult{req, rest, err}
	}()

	if _, err := ClientHandshake(cli, "example.com", "8080", "chat", nil, 0); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("server handshake: %v", res.err)
	}
	if res.req.Path != "/chat" || res.req.Host != "example.com:8080" || res.req.Method != "GET" {
		t.Fatalf("request = %+v", res.req)
	}
	if !validClientKey(res.req.Key) {
		t.Fatalf("client sent malformed key %q", res.req.Key)
	}
}

// fakeServer answers one Upgrade with the given accept transform and
// trailing bytes in a single write.
func fakeServer(t *testing.T, conn net.Conn, accept func(string) string, trailer []byte) {
	t.Helper()
	go func() {
		block, _, err := readHeader(conn, 1024)
		if err != nil {
			return
		}
		_, fields := parseHeaderBlock(block)
		resp := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + accept(firstValue(fields, HeaderSecWebSocketKey)) + "\r\n\r\n"
		_, _ = conn.Write(append([]byte(resp), trailer...))
	}()
}

func TestClientHandshakeKeepsTrailingBytes(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()
	frame := appendFrame(nil, true, OpcodeText, []byte("early"), nil)
	fakeServer(t, srv, ComputeAcceptKey, frame)

	rest, err := ClientHandshake(cli, "localhost", "", "/", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, frame) {
		t.Fatalf("leftover = % x, want % x", rest, frame)
	}
}

func TestClientHandshakeRejectsTamperedAccept(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()
	fakeServer(t, srv, func(key string) string {
		a := []byte(ComputeAcceptKey(key))
		a[0] ^= 1
		return string(a)
	}, nil)

	_, err := ClientHandshake(cli, "localhost", "80", "/", nil, 0)
	if !errors.Is(err, api.ErrHandshake) || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("got %v, want accept mismatch", err)
	}
}

func TestClientHandshakeRejectsNon101(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()
	go func() {
		if _, _, err := readHeader(srv, 1024); err == nil {
			_ = WriteStatus(srv, 503, "Service Unavailable")
		}
	}()
	if _, err := ClientHandshake(cli, "localhost", "80", "/", nil, 0); !errors.Is(err, api.ErrHandshake) {
		t.Fatalf("got %v, want handshake error", err)
	}
}

func TestServerHandshakeHeaderTooLarge(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	go func() {
		_, _ = cli.Write([]byte("GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 2048)))
	}()
	_, _, err := ServerHandshake(srv, 1024)
	srv.Close()
	if !errors.Is(err, api.ErrHandshake) || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("got %v, want header-too-large", err)
	}
}

func TestServerHandshakeRejectsBadRequests(t *testing.T) {
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	cases := map[string]string{
		"post":        "POST / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\n\r\n",
		"no upgrade":  "GET / HTTP/1.1\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\n\r\n",
		"short key":   "GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: abc\r\n\r\n",
		"version 8":   "GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\nSec-WebSocket-Version: 8\r\n\r\n",
		"bad request": "garbage\r\n\r\n",
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			cli, srv := net.Pipe()
			defer cli.Close()
			defer srv.Close()
			reply := make(chan string, 1)
			go func() {
				_, _ = cli.Write([]byte(req))
				buf := make([]byte, 512)
				n, _ := cli.Read(buf)
				reply <- string(buf[:n])
			}()
			_, _, err := ServerHandshake(srv, 0)
			if !errors.Is(err, api.ErrHandshake) {
				t.Fatalf("got %v, want handshake error", err)
			}
			if r := <-reply; !strings.HasPrefix(r, "HTTP/1.1 400 ") {
				t.Fatalf("reply = %q", r)
			}
		})
	}
}

func TestServerHandshakeMixedCaseHeaders(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()
	req := "GET /ws HTTP/1.1\r\nhOsT: h\r\nUPGRADE: WebSocket\r\nconnection: keep-alive, Upgrade\r\n" +
		"SEC-WEBSOCKET-KEY: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	reply := make(chan string, 1)
	go func() {
		_, _ = cli.Write([]byte(req))
		buf := make([]byte, 512)
		n, _ := cli.Read(buf)
		reply <- string(buf[:n])
	}()
	got, _, err := ServerHandshake(srv, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != "h" {
		t.Fatalf("host = %q", got.Host)
	}
	if r := <-reply; !strings.Contains(r, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n") {
		t.Fatalf("reply = %q", r)
	}
}
