// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ws_test

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/wireloop/streamio"
	"github.com/wireloop/streamio/ws"
)

// fakeConn is a would-block-capable in-memory ByteStream: reads are served
// from a queue of pre-scripted chunks (so tests can model exactly how many
// bytes "arrived" in a single underlying read, as a real non-blocking
// socket would), and writes accumulate for inspection.
type fakeConn struct {
	toRead  [][]byte
	written bytes.Buffer
	closed  bool
}

func (f *fakeConn) push(chunk []byte) { f.toRead = append(f.toRead, chunk) }

func (f *fakeConn) Read(p []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, streamio.ErrWouldBlock
	}
	n := copy(p, f.toRead[0])
	if n < len(f.toRead[0]) {
		f.toRead[0] = f.toRead[0][n:]
	} else {
		f.toRead = f.toRead[1:]
	}
	return n, nil
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.written.Write(p)
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

var _ streamio.ByteStream = (*fakeConn)(nil)

const testMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func acceptFor(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(testMagic))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// extractKey pulls the Sec-WebSocket-Key value out of the client's
// handshake request, already written to conn by the time Handshake first
// returns ErrWouldBlock waiting on the response.
func extractKey(t *testing.T, conn *fakeConn) string {
	t.Helper()
	req := conn.written.String()
	for _, line := range strings.Split(req, "\r\n") {
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Sec-WebSocket-Key") {
			return strings.TrimSpace(v)
		}
	}
	t.Fatalf("no Sec-WebSocket-Key header in request: %q", req)
	return ""
}

func openHandshake(t *testing.T, conn *fakeConn, sock *ws.WebSocket[*fakeConn]) {
	t.Helper()
	if err := sock.Handshake(); !errors.Is(err, streamio.ErrWouldBlock) {
		t.Fatalf("first Handshake = %v, want ErrWouldBlock", err)
	}
	key := extractKey(t, conn)
	accept := acceptFor(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	conn.push([]byte(resp))
	if err := sock.Handshake(); err != nil {
		t.Fatalf("second Handshake: %v", err)
	}
	if sock.State() != ws.StateOpen {
		t.Fatalf("state = %v, want StateOpen", sock.State())
	}
}

func TestHandshakeAcceptCheckRejectsMismatch(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "example.invalid", "/ws")
	if err := sock.Handshake(); !errors.Is(err, streamio.ErrWouldBlock) {
		t.Fatalf("first Handshake = %v, want ErrWouldBlock", err)
	}
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: not-the-right-value\r\n\r\n"
	conn.push([]byte(resp))
	err := sock.Handshake()
	if !errors.Is(err, streamio.ErrProtocol) {
		t.Fatalf("Handshake = %v, want ErrProtocol", err)
	}
}

func TestHandshakeRejectsNonSwitchingStatus(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "example.invalid", "/ws")
	_ = sock.Handshake()
	conn.push([]byte("HTTP/1.1 404 Not Found\r\n\r\n"))
	if err := sock.Handshake(); !errors.Is(err, streamio.ErrProtocol) {
		t.Fatalf("Handshake = %v, want ErrProtocol", err)
	}
}

func serverFrame(fin bool, opcode ws.Opcode, payload []byte) []byte {
	var b0 byte
	if fin {
		b0 |= 0x80
	}
	b0 |= byte(opcode)
	var out []byte
	l := len(payload)
	switch {
	case l <= 125:
		out = append(out, b0, byte(l))
	case l <= 0xFFFF:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(l))
		out = append(out, b0, 126, ext[0], ext[1])
	default:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(l))
		out = append(out, b0, 127)
		out = append(out, ext[:]...)
	}
	return append(out, payload...)
}

func TestEchoTextFrame(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "example.invalid", "/ws",
		ws.WithMaskKeySource(func() uint32 { return 0xDEADBEEF }))
	openHandshake(t, conn, sock)
	preWriteLen := conn.written.Len()

	if err := sock.WriteText([]byte("hello")); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	written := conn.written.Bytes()[preWriteLen:]
	// header(2) + mask(4) + payload(5)
	if len(written) != 11 {
		t.Fatalf("written frame length = %d, want 11", len(written))
	}
	mask := written[2:6]
	wantMask := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(mask, wantMask) {
		t.Fatalf("mask = % x, want % x", mask, wantMask)
	}
	payload := written[6:]
	for i, c := range []byte("hello") {
		if payload[i] != c^wantMask[i%4] {
			t.Fatalf("payload[%d] = %x, want %x", i, payload[i], c^wantMask[i%4])
		}
	}

	conn.push(serverFrame(true, ws.OpText, []byte("hello")))
	f, err := sock.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Opcode != ws.OpText || string(f.Payload) != "hello" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestFragmentedMessage(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "h", "/p")
	openHandshake(t, conn, sock)

	var all []byte
	all = append(all, serverFrame(false, ws.OpText, []byte("foo"))...)
	all = append(all, serverFrame(false, ws.OpContinuation, []byte("bar"))...)
	all = append(all, serverFrame(true, ws.OpContinuation, []byte("baz"))...)
	conn.push(all)

	f, err := sock.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Opcode != ws.OpText || string(f.Payload) != "foobarbaz" {
		t.Fatalf("frame = opcode=%v payload=%q, want text/foobarbaz", f.Opcode, f.Payload)
	}
}

func TestPingInterleavedWithFragmentation(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "h", "/p",
		ws.WithMaskKeySource(func() uint32 { return 0x01020304 }))
	openHandshake(t, conn, sock)
	preWriteLen := conn.written.Len()

	var all []byte
	all = append(all, serverFrame(false, ws.OpText, []byte("a"))...)
	all = append(all, serverFrame(true, ws.OpPing, []byte("x"))...)
	all = append(all, serverFrame(true, ws.OpContinuation, []byte("b"))...)
	conn.push(all)

	f1, err := sock.Next()
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	if f1.Opcode != ws.OpPing || string(f1.Payload) != "x" {
		t.Fatalf("frame #1 = %+v, want Ping(x)", f1)
	}

	pongBytes := conn.written.Bytes()[preWriteLen:]
	if len(pongBytes) == 0 {
		t.Fatalf("expected an automatic Pong to have been written")
	}
	if ws.Opcode(pongBytes[0]&0x0F) != ws.OpPong {
		t.Fatalf("auto-reply opcode = %v, want Pong", ws.Opcode(pongBytes[0]&0x0F))
	}

	f2, err := sock.Next()
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if f2.Opcode != ws.OpText || string(f2.Payload) != "ab" {
		t.Fatalf("frame #2 = opcode=%v payload=%q, want text/ab", f2.Opcode, f2.Payload)
	}
}

func TestPartialTCPDeliveryNoFrameYet(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "h", "/p")
	openHandshake(t, conn, sock)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	full := serverFrame(true, ws.OpBinary, payload)
	header := full[:4]
	partialPayload := full[4 : 4+100]
	rest := full[4+100:]

	conn.push(append(append([]byte{}, header...), partialPayload...))
	if _, err := sock.Next(); !errors.Is(err, streamio.ErrWouldBlock) {
		t.Fatalf("Next on partial frame = %v, want ErrWouldBlock", err)
	}

	conn.push(rest)
	f, err := sock.Next()
	if err != nil {
		t.Fatalf("Next after remainder: %v", err)
	}
	if f.Opcode != ws.OpBinary || len(f.Payload) != 200 {
		t.Fatalf("frame = opcode=%v len=%d, want binary/200", f.Opcode, len(f.Payload))
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload corrupted across partial delivery")
	}
}

func TestBatchTimestampSharedWithinOneRead(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "h", "/p")
	openHandshake(t, conn, sock)

	var batch []byte
	batch = append(batch, serverFrame(true, ws.OpText, []byte("one"))...)
	batch = append(batch, serverFrame(true, ws.OpText, []byte("two"))...)
	conn.push(batch)

	f1, err := sock.Next()
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	f2, err := sock.Next()
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if !f1.Timestamp.Equal(f2.Timestamp) {
		t.Fatalf("timestamps differ across one underlying read: %v vs %v", f1.Timestamp, f2.Timestamp)
	}

	conn.push(serverFrame(true, ws.OpText, []byte("three")))
	f3, err := sock.Next()
	if err != nil {
		t.Fatalf("Next #3: %v", err)
	}
	if f3.Timestamp.Before(f1.Timestamp) {
		t.Fatalf("timestamp went backwards across batches")
	}
}

func TestMaskedServerFrameIsProtocolError(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "h", "/p")
	openHandshake(t, conn, sock)

	frame := serverFrame(true, ws.OpText, []byte("hi"))
	frame[1] |= 0x80 // set the mask bit a server must never set
	conn.push(append(frame, 0, 0, 0, 0))

	if _, err := sock.Next(); !errors.Is(err, streamio.ErrProtocol) {
		t.Fatalf("Next = %v, want ErrProtocol", err)
	}
}

func TestUTF8ValidationRejectsInvalidText(t *testing.T) {
	conn := &fakeConn{}
	sock := ws.New[*fakeConn](conn, "h", "/p", ws.WithUTF8Validation())
	openHandshake(t, conn, sock)

	conn.push(serverFrame(true, ws.OpText, []byte{0xff, 0xfe, 0xfd}))
	if _, err := sock.Next(); !errors.Is(err, streamio.ErrProtocol) {
		t.Fatalf("Next = %v, want ErrProtocol", err)
	}
}
