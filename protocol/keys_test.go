package protocol

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/momentics/wsengine/api"
)

func TestComputeAcceptKeyRFCVector(t *testing.T) {
	got := ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("accept key = %q", got)
	}
	if len(got) != AcceptKeyLen {
		t.Fatalf("accept key length %d", len(got))
	}
}

func TestClientKeyFromNonce(t *testing.T) {
	nonce, err := NewNonce(bytes.NewReader([]byte("the sample nonce")))
	if err != nil {
		t.Fatal(err)
	}
	key := ClientKey(nonce)
	if key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Fatalf("client key = %q", key)
	}
	if !validClientKey(key) {
		t.Fatal("generated key rejected")
	}
	if validClientKey("short") || validClientKey("!!!!!!!!!!!!!!!!!!!!!!!!") {
		t.Fatal("malformed keys accepted")
	}
}

func TestNewNonceReadError(t *testing.T) {
	_, err := NewNonce(iotest.ErrReader(errors.New("no entropy")))
	if !errors.Is(err, api.ErrHandshake) {
		t.Fatalf("got %v, want handshake error", err)
	}
}
