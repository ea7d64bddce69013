// File: protocol/keys.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sec-WebSocket-Key / Sec-WebSocket-Accept derivation per RFC6455 Section 1.3.

package protocol

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"io"

	"github.com/momentics/wsengine/api"
)

// NewNonce reads a 16-byte handshake nonce from r (crypto/rand when nil).
func NewNonce(r io.Reader) ([NonceLen]byte, error) {
	var nonce [NonceLen]byte
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, api.Wrap(api.ErrCodeHandshake, "generate nonce", err)
	}
	return nonce, nil
}

// ClientKey encodes a nonce as the Sec-WebSocket-Key value.
func ClientKey(nonce [NonceLen]byte) string {
	return base64.StdEncoding.EncodeToString(nonce[:])
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// validClientKey reports whether key is base64 of exactly NonceLen bytes.
func validClientKey(key string) bool {
	if len(key) != ClientKeyLen {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(raw) == NonceLen
}
