// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/netip"

	"github.com/wireloop/streamio"
	"github.com/wireloop/streamio/ioservice"
	"github.com/wireloop/streamio/tcpstream"
	"github.com/wireloop/streamio/tlsstream"
	"github.com/wireloop/streamio/ws"
)

// wsEngine is the subset of a *ws.WebSocket[S]'s method set this command
// drives, with its stream type parameter erased: Go's structural interface
// satisfaction lets both a plain and a TLS-wrapped instantiation stand in
// for it, so wsEndpoint can hand either back from CreateConnection without
// a type switch in the hot path.
type wsEngine interface {
	Next() (ws.Frame, error)
}

var (
	_ wsEngine = (*ws.WebSocket[*tcpstream.TcpStream])(nil)
	_ wsEngine = (*ws.WebSocket[*tlsstream.TlsStream[*tcpstream.TcpStream]])(nil)
)

// wsEndpoint is an ioservice.Endpoint that connects to a single WebSocket
// URL, reconnecting under the owning IOService's backoff policy whenever
// the connection drops.
type wsEndpoint struct {
	host               string
	port               uint16
	path               string
	useTLS             bool
	insecureSkipVerify bool
	onFrame            func(ws.Frame)
	logger             streamio.Logger
}

func (e *wsEndpoint) Target() (string, uint16) { return e.host, e.port }

func (e *wsEndpoint) CreateConnection(_ context.Context, addr netip.Addr, port uint16) (ioservice.Connection, error) {
	tcp, err := tcpstream.Dial(netip.AddrPortFrom(addr, port))
	if err != nil {
		return nil, err
	}

	var engine wsEngine
	if e.useTLS {
		tlsConn, err := tlsstream.New(tcp, e.host, &tls.Config{InsecureSkipVerify: e.insecureSkipVerify}, tlsstream.WithLogger(e.logger))
		if err != nil {
			_ = tcp.Close()
			return nil, err
		}
		engine = ws.New(tlsConn, e.host, e.path, ws.WithLogger(e.logger))
	} else {
		engine = ws.New(tcp, e.host, e.path, ws.WithLogger(e.logger))
	}

	return &wsConnection{tcp: tcp, engine: engine}, nil
}

func (e *wsEndpoint) Poll(_ context.Context, conn ioservice.Connection) error {
	c, ok := conn.(*wsConnection)
	if !ok {
		return fmt.Errorf("%w: unexpected connection type %T", streamio.ErrConfiguration, conn)
	}
	frame, err := c.engine.Next()
	if err != nil {
		return err
	}
	if e.onFrame != nil {
		e.onFrame(frame)
	}
	return nil
}

// wsConnection adapts a wsEngine (frame-oriented, not a streamio.ByteStream)
// to ioservice.Connection: just the raw fd the selector watches and the
// socket's own lifecycle/connect-completion surface.
type wsConnection struct {
	tcp    *tcpstream.TcpStream
	engine wsEngine
}

func (c *wsConnection) Fd() int                { return c.tcp.Fd() }
func (c *wsConnection) Close() error           { return c.tcp.Close() }
func (c *wsConnection) ConnectComplete() error { return c.tcp.ConnectComplete() }

var _ ioservice.ConnectChecker = (*wsConnection)(nil)
