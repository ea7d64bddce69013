// File: transport/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS session layer. Credentials and verification policy are resolved once
// into a *tls.Config template; every connection then runs a handshake bounded
// by HandshakeTimeout.

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/momentics/wsengine/api"
)

// VerifyMode selects peer certificate verification.
type VerifyMode uint8

const (
	VerifyRequired VerifyMode = iota
	VerifyOptional
	VerifyNone
)

func (v VerifyMode) String() string {
	switch v {
	case VerifyNone:
		return "none"
	case VerifyOptional:
		return "optional"
	default:
		return "required"
	}
}

// ParseVerifyMode accepts "none", "optional" or "required" (empty means required).
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "required":
		return VerifyRequired, nil
	case "optional":
		return VerifyOptional, nil
	case "none":
		return VerifyNone, nil
	}
	return VerifyRequired, api.NewError(api.ErrCodeParameter, "unknown verify mode").WithContext("mode", s)
}

// TLSOptions is the credential bundle and session options of a listener or
// client template.
type TLSOptions struct {
	CertFile     string
	KeyFile      string
	CAFile       string
	Certificates []tls.Certificate // used instead of CertFile/KeyFile when set
	RootCAs      *x509.CertPool    // used instead of CAFile when set
	Verify       VerifyMode
	ServerName   string

	HandshakeTimeout time.Duration
	HandshakeRetries int
}

func (o TLSOptions) certificates() ([]tls.Certificate, error) {
	if len(o.Certificates) > 0 {
		return o.Certificates, nil
	}
	if o.CertFile == "" && o.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeTLSInit, "load key pair", err).WithContext("cert", o.CertFile)
	}
	return []tls.Certificate{cert}, nil
}

func (o TLSOptions) roots() (*x509.CertPool, error) {
	if o.RootCAs != nil || o.CAFile == "" {
		return o.RootCAs, nil
	}
	pem, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeTLSInit, "read CA file", err).WithContext("ca", o.CAFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, api.NewError(api.ErrCodeTLSInit, "no certificates in CA file").WithContext("ca", o.CAFile)
	}
	return pool, nil
}

// ServerConfig builds the listener-side TLS template. A server certificate
// is mandatory; Verify controls client certificate requests.
func (o TLSOptions) ServerConfig() (*tls.Config, error) {
	certs, err := o.certificates()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, api.NewError(api.ErrCodeTLSInit, "server certificate required")
	}
	roots, err := o.roots()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: certs,
		MinVersion:   tls.VersionTLS12,
		ClientCAs:    roots,
		ClientAuth:   tls.NoClientCert,
	}
	if roots != nil {
		switch o.Verify {
		case VerifyRequired:
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		case VerifyOptional:
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return cfg, nil
}

// ClientConfig builds the client-side TLS template for host. VerifyNone
// disables server verification; optional and required both verify.
func (o TLSOptions) ClientConfig(host string) (*tls.Config, error) {
	certs, err := o.certificates()
	if err != nil {
		return nil, err
	}
	roots, err := o.roots()
	if err != nil {
		return nil, err
	}
	name := o.ServerName
	if name == "" {
		name = host
	}
	return &tls.Config{
		Certificates:       certs,
		RootCAs:            roots,
		ServerName:         name,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: o.Verify == VerifyNone,
	}, nil
}

// ServerHandshake wraps conn and runs the server side of the TLS handshake.
// The caller still owns conn on failure.
func ServerHandshake(ctx context.Context, conn net.Conn, cfg *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	tc := tls.Server(conn, cfg)
	if err := handshake(ctx, tc, timeout); err != nil {
		return nil, api.Wrap(api.ErrCodeTLSHandshake, "tls server handshake", err).WithContext("remote", fmt.Sprint(conn.RemoteAddr()))
	}
	return tc, nil
}

// ClientHandshake wraps conn and runs the client side of the TLS handshake.
// The caller still owns conn on failure.
func ClientHandshake(ctx context.Context, conn net.Conn, cfg *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	tc := tls.Client(conn, cfg)
	if err := handshake(ctx, tc, timeout); err != nil {
		return nil, api.Wrap(api.ErrCodeTLSHandshake, "tls client handshake", err).WithContext("server", cfg.ServerName)
	}
	return tc, nil
}

func handshake(ctx context.Context, tc *tls.Conn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return tc.HandshakeContext(ctx)
}
