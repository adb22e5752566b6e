// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tlsstream

import (
	"context"
	"crypto/tls"
	"net"
)

// TLSEngine abstracts the construction of a client TLS session as a
// pluggable TLS backend capability. The shape is bassosimone-nop's
// TLSEngine/TLSConn abstraction, adapted: that package
// uses it to swap in alternative TLS stacks for blocking dialers, this
// module uses the same seam so a non-blocking [TlsStream] never hard-codes
// crypto/tls.
type TLSEngine interface {
	// Client builds a new client-side [TLSConn] over conn.
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name identifies the engine, for logging.
	Name() string
}

// TLSConn abstracts over *tls.Conn so alternative TLS implementations can
// stand in for it.
type TLSConn interface {
	// ConnectionState returns the negotiated connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext drives the handshake. Over a non-blocking conn it
	// returns a net.Error with Timeout()==true when the underlying
	// stream has no data/capacity yet; callers translate that into
	// streamio.ErrWouldBlock and retry.
	HandshakeContext(ctx context.Context) error

	net.Conn
}

// StdlibTLSEngine implements [TLSEngine] using the standard library's
// crypto/tls. The zero value is ready to use.
type StdlibTLSEngine struct{}

var _ TLSEngine = StdlibTLSEngine{}

func (StdlibTLSEngine) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

func (StdlibTLSEngine) Name() string { return "stdlib" }
