// Package transport
// Author: momentics <momentics@gmail.com>
//
// Socket establishment for wsengine: TCP listeners and dialers with socket
// options applied through golang.org/x/sys, and the TLS session layer
// (credential loading, verification policy, bounded handshakes). Both plain
// and TLS connections satisfy api.Transport.
package transport
