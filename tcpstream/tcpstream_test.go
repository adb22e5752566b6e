// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package tcpstream_test

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/wireloop/streamio"
	"github.com/wireloop/streamio/tcpstream"
)

func TestDialAndEcho(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(buf)
	}()

	raddr := netip.MustParseAddrPort(ln.Addr().String())
	ts, err := tcpstream.Dial(raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ts.Close()

	// Poll for connect completion; the socket is non-blocking so this may
	// need a few retries on a loaded machine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := ts.ConnectComplete(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connect did not complete in time: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	msg := []byte("hello")
	deadline = time.Now().Add(2 * time.Second)
	for written := 0; written < len(msg); {
		n, err := ts.Write(msg[written:])
		written += n
		if err != nil {
			if errors.Is(err, streamio.ErrWouldBlock) {
				if time.Now().After(deadline) {
					t.Fatalf("write timed out")
				}
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("write: %v", err)
		}
	}

	out := make([]byte, 5)
	deadline = time.Now().Add(2 * time.Second)
	for read := 0; read < len(out); {
		n, err := ts.Read(out[read:])
		read += n
		if err != nil {
			if errors.Is(err, streamio.ErrWouldBlock) {
				if time.Now().After(deadline) {
					t.Fatalf("read timed out")
				}
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("read: %v", err)
		}
	}
	if string(out) != "hello" {
		t.Fatalf("got %q, want %q", out, "hello")
	}

	<-serverDone
}
