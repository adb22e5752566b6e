// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tlsstream implements a buffered TLS-over-byte-stream wrapper
// producing non-blocking plaintext, built atop the standard library's
// crypto/tls through the pluggable [TLSEngine] capability, grounded in
// bassosimone-nop's TLSEngine/TLSConn abstraction.
package tlsstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/wireloop/streamio"
)

type handshakeState uint8

const (
	handshaking handshakeState = iota
	established
	failed
)

// Option configures a [TlsStream] at construction.
type Option func(*options)

type options struct {
	engine TLSEngine
	logger streamio.Logger
}

// WithEngine overrides the default [StdlibTLSEngine].
func WithEngine(e TLSEngine) Option {
	return func(o *options) { o.engine = e }
}

// WithLogger attaches a [streamio.Logger] for handshake lifecycle events.
func WithLogger(l streamio.Logger) Option {
	return func(o *options) { o.logger = l }
}

// TlsStream wraps an inner [streamio.ByteStream] S with a TLS session,
// producing plaintext reads/writes that preserve S's would-block
// semantics. S is a type parameter rather than an interface field so the
// composed read/write path stays statically dispatched, per the "static
// composition vs dynamic dispatch" design note.
type TlsStream[S streamio.ByteStream] struct {
	inner   S
	adapter *connAdapter
	conn    TLSConn
	state   handshakeState
	logger  streamio.Logger
}

var _ streamio.ByteStream = (*TlsStream[streamio.ByteStream])(nil)

// New wraps inner with a client TLS session for serverName (used for SNI
// and certificate verification unless config already sets ServerName).
// config is cloned; callers retain ownership of the original.
func New[S streamio.ByteStream](inner S, serverName string, config *tls.Config, opts ...Option) (*TlsStream[S], error) {
	if config == nil {
		config = &tls.Config{}
	}
	cfg := config.Clone()
	if cfg.ServerName == "" {
		if serverName == "" {
			return nil, fmt.Errorf("%w: missing SNI server name", streamio.ErrConfiguration)
		}
		cfg.ServerName = serverName
	}

	o := options{engine: StdlibTLSEngine{}, logger: streamio.DiscardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	adapter := &connAdapter{inner: inner}
	conn := o.engine.Client(adapter, cfg)
	return &TlsStream[S]{
		inner:   inner,
		adapter: adapter,
		conn:    conn,
		logger:  o.logger,
	}, nil
}

// Handshake drives the TLS handshake forward. It returns
// [streamio.ErrWouldBlock] if the inner stream has no data/capacity yet and
// must be called again once the caller observes readiness; it returns nil
// once the handshake has completed.
func (t *TlsStream[S]) Handshake() error {
	switch t.state {
	case established:
		return nil
	case failed:
		return fmt.Errorf("%w: tls handshake previously failed", streamio.ErrProtocol)
	}

	t.logger.Debug("tlsHandshakeAttempt")
	err := t.conn.HandshakeContext(context.Background())
	if err == nil {
		t.state = established
		t.logger.Info("tlsHandshakeDone",
			"version", t.conn.ConnectionState().Version,
			"negotiatedProtocol", t.conn.ConnectionState().NegotiatedProtocol)
		return nil
	}
	if isWouldBlock(err) {
		return streamio.ErrWouldBlock
	}
	t.state = failed
	t.logger.Warn("tlsHandshakeFailed", "err", err)
	return fmt.Errorf("%w: tls handshake: %v", streamio.ErrTransport, err)
}

// Read implements [streamio.ByteStream]. It completes the handshake first
// if needed.
func (t *TlsStream[S]) Read(p []byte) (int, error) {
	if t.state != established {
		if err := t.Handshake(); err != nil {
			return 0, err
		}
	}
	n, err := t.conn.Read(p)
	if err == nil {
		return n, nil
	}
	if isWouldBlock(err) {
		return n, streamio.ErrWouldBlock
	}
	if errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, fmt.Errorf("%w: tls read: %v", streamio.ErrTransport, err)
}

// Write implements [streamio.ByteStream]. It completes the handshake first
// if needed.
func (t *TlsStream[S]) Write(p []byte) (int, error) {
	if t.state != established {
		if err := t.Handshake(); err != nil {
			return 0, err
		}
	}
	n, err := t.conn.Write(p)
	if err == nil {
		return n, nil
	}
	if isWouldBlock(err) {
		return n, streamio.ErrWouldBlock
	}
	return n, fmt.Errorf("%w: tls write: %v", streamio.ErrTransport, err)
}

// Close sends a close-notify alert on a best-effort basis and then closes
// the inner stream.
func (t *TlsStream[S]) Close() error {
	_ = t.conn.Close()
	return t.inner.Close()
}

// ConnectionState exposes the negotiated TLS state once the handshake has
// completed.
func (t *TlsStream[S]) ConnectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}
