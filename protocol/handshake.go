// File: protocol/handshake.go
// Package protocol
// Core logic of the WebSocket HTTP Upgrade: header accumulation, request and
// response validation, Sec-WebSocket-Accept verification.
//
// The header is read with a bounded buffer; bytes that arrive after the
// blank line belong to the framing layer and are handed back to the caller.
package protocol

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/momentics/wsengine/api"
)

// Lower-cased header names as stored by parseHeaderBlock.
const (
	HeaderConnection       = "connection"
	HeaderUpgrade          = "upgrade"
	HeaderHost             = "host"
	HeaderSecWebSocketKey  = "sec-websocket-key"
	HeaderSecWebSocketVer  = "sec-websocket-version"
	HeaderSecWebSocketAcpt = "sec-websocket-accept"
)

var headerTerminator = []byte("\r\n\r\n")

// UpgradeRequest is the parsed client side of a server handshake.
type UpgradeRequest struct {
	Method string
	Path   string
	Host   string
	Key    string
	Header map[string][]string
}

// readHeader accumulates bytes from r until the blank line ending an HTTP
// header. It returns the header block (terminator included) and any bytes
// read past it. Exceeding limit bytes without a terminator is an error.
func readHeader(r io.Reader, limit int) (header, rest []byte, err error) {
	buf := make([]byte, limit)
	n := 0
	for n < limit {
		m, rerr := r.Read(buf[n:])
		if m > 0 {
			from := n - (len(headerTerminator) - 1)
			if from < 0 {
				from = 0
			}
			n += m
			if i := bytes.Index(buf[from:n], headerTerminator); i >= 0 {
				end := from + i + len(headerTerminator)
				rest = append([]byte(nil), buf[end:n]...)
				return buf[:end], rest, nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil, nil, api.NewError(api.ErrCodeHandshake, "connection closed during handshake").WithContext("read", n)
			}
			return nil, nil, api.Wrap(api.ErrCodeHandshake, "read handshake header", rerr)
		}
	}
	return nil, nil, api.NewError(api.ErrCodeHandshake, "handshake header too large").WithContext("limit", limit)
}

// writeFull writes all of b, looping over partial writes.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return api.Wrap(api.ErrCodeHandshake, "write handshake", err)
		}
		if n == 0 {
			return api.Wrap(api.ErrCodeHandshake, "write handshake", io.ErrShortWrite)
		}
		b = b[n:]
	}
	return nil
}

// parseHeaderBlock splits a header block into its first line and a map of
// lower-cased field names to trimmed values.
func parseHeaderBlock(block []byte) (string, map[string][]string) {
	lines := strings.Split(strings.TrimSuffix(string(block), "\r\n\r\n"), "\r\n")
	fields := make(map[string][]string, len(lines))
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		fields[k] = append(fields[k], strings.TrimSpace(v))
	}
	return lines[0], fields
}

func firstValue(h map[string][]string, name string) string {
	if vs := h[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// headerContainsToken reports whether any comma-separated element of the
// named field equals token, ignoring case.
func headerContainsToken(h map[string][]string, name, token string) bool {
	for _, v := range h[name] {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}

// ClientHandshake performs the client side of the Upgrade over rw.
// rnd supplies the nonce (crypto/rand when nil). On success it returns the
// bytes that followed the server's header.
func ClientHandshake(rw io.ReadWriter, host, port, path string, rnd io.Reader, maxHeader int) ([]byte, error) {
	if host == "" {
		return nil, api.NewError(api.ErrCodeParameter, "empty host")
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHandshakeHeaderSize
	}
	nonce, err := NewNonce(rnd)
	if err != nil {
		return nil, err
	}
	key := ClientKey(nonce)
	hostHeader := host
	if port != "" {
		hostHeader = net.JoinHostPort(host, port)
	}

	var req strings.Builder
	req.WriteString("GET " + path + " HTTP/1.1\r\n")
	req.WriteString("Host: " + hostHeader + "\r\n")
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	req.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	req.WriteString("Sec-WebSocket-Version: " + RequiredWebSocketVersion + "\r\n\r\n")
	if err := writeFull(rw, []byte(req.String())); err != nil {
		return nil, err
	}

	block, rest, err := readHeader(rw, maxHeader)
	if err != nil {
		return nil, err
	}
	status, fields := parseHeaderBlock(block)
	proto, code, _ := strings.Cut(status, " ")
	code, _, _ = strings.Cut(code, " ")
	if !strings.HasPrefix(proto, "HTTP/1.") || code != "101" {
		return nil, api.NewError(api.ErrCodeHandshake, "server refused upgrade").WithContext("status", status)
	}
	if !headerContainsToken(fields, HeaderUpgrade, "websocket") || !headerContainsToken(fields, HeaderConnection, "upgrade") {
		return nil, api.NewError(api.ErrCodeHandshake, "missing upgrade tokens in response")
	}
	accept := firstValue(fields, HeaderSecWebSocketAcpt)
	if accept == "" {
		return nil, api.NewError(api.ErrCodeHandshake, "missing Sec-WebSocket-Accept")
	}
	want := ComputeAcceptKey(key)
	if subtle.ConstantTimeCompare([]byte(accept), []byte(want)) != 1 {
		return nil, api.NewError(api.ErrCodeHandshake, "Sec-WebSocket-Accept mismatch").WithContext("got", accept)
	}
	return rest, nil
}

// ServerHandshake reads and validates an Upgrade request from rw and writes
// the 101 response. A malformed request gets a best-effort 400 reply.
func ServerHandshake(rw io.ReadWriter, maxHeader int) (*UpgradeRequest, []byte, error) {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHandshakeHeaderSize
	}
	block, rest, err := readHeader(rw, maxHeader)
	if err != nil {
		return nil, nil, err
	}
	line, fields := parseHeaderBlock(block)
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, nil, reject(rw, "", api.NewError(api.ErrCodeHandshake, "malformed request line").WithContext("line", line))
	}
	req := &UpgradeRequest{
		Method: parts[0],
		Path:   parts[1],
		Host:   firstValue(fields, HeaderHost),
		Key:    firstValue(fields, HeaderSecWebSocketKey),
		Header: fields,
	}

	switch {
	case req.Method != "GET":
		return nil, nil, reject(rw, "", api.NewError(api.ErrCodeHandshake, "upgrade must use GET").WithContext("method", req.Method))
	case !headerContainsToken(fields, HeaderUpgrade, "websocket"), !headerContainsToken(fields, HeaderConnection, "upgrade"):
		return nil, nil, reject(rw, "", api.NewError(api.ErrCodeHandshake, "invalid WebSocket upgrade headers"))
	case !validClientKey(req.Key):
		return nil, nil, reject(rw, "", api.NewError(api.ErrCodeHandshake, "invalid Sec-WebSocket-Key").WithContext("key", req.Key))
	}
	if vs, ok := fields[HeaderSecWebSocketVer]; ok && (len(vs) == 0 || vs[0] != RequiredWebSocketVersion) {
		return nil, nil, reject(rw, "Sec-WebSocket-Version: "+RequiredWebSocketVersion+"\r\n",
			api.NewError(api.ErrCodeHandshake, "unsupported WebSocket version").WithContext("version", firstValue(fields, HeaderSecWebSocketVer)))
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + ComputeAcceptKey(req.Key) + "\r\n\r\n"
	if err := writeFull(rw, []byte(resp)); err != nil {
		return nil, nil, err
	}
	return req, rest, nil
}

// reject writes a 400 response, ignoring write errors, and returns cause.
func reject(w io.Writer, extra string, cause error) error {
	_ = writeFull(w, []byte("HTTP/1.1 400 Bad Request\r\n"+extra+"Connection: close\r\nContent-Length: 0\r\n\r\n"))
	return cause
}

// WriteStatus sends a minimal HTTP error response; used when a connection
// is refused before the Upgrade is read.
func WriteStatus(w io.Writer, code int, text string) error {
	return writeFull(w, []byte("HTTP/1.1 "+strconv.Itoa(code)+" "+text+"\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
}
