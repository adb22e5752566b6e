// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ws

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/wireloop/streamio"
)

// rfc6455Magic is the fixed GUID RFC 6455 §1.3 concatenates with the
// client's Sec-WebSocket-Key before SHA-1/base64 to produce the expected
// Sec-WebSocket-Accept value.
const rfc6455Magic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handshakeState drives the client opening handshake across would-block
// cycles: the request is buffered once and written incrementally, and the
// response is accumulated across reads (up to 512 bytes each) until a full
// header block ("\r\n\r\n") is present.
type handshakeState struct {
	key            string
	expectedAccept string

	req    []byte
	reqOff int

	resp     []byte
	done     bool
	leftover []byte // bytes read past the header block, belonging to the first frame
}

func newHandshakeState(host, path string) *handshakeState {
	key := generateKey()
	return &handshakeState{
		key:            key,
		expectedAccept: computeAccept(key),
		req:            buildRequest(host, path, key),
	}
}

func generateKey() string {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic("ws: crypto/rand unavailable: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(nonce[:])
}

func computeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(rfc6455Magic))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func buildRequest(host, path string, key string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// drive advances the handshake over inner, returning streamio.ErrWouldBlock
// until the full request has been written and the full response header
// block has arrived and been validated.
func (h *handshakeState) drive(inner streamio.ByteStream) error {
	for h.reqOff < len(h.req) {
		n, err := inner.Write(h.req[h.reqOff:])
		h.reqOff += n
		if err != nil {
			if err == streamio.ErrWouldBlock {
				return streamio.ErrWouldBlock
			}
			return fmt.Errorf("%w: ws handshake write: %v", streamio.ErrTransport, err)
		}
	}

	for {
		if idx := findHeaderEnd(h.resp); idx >= 0 {
			if err := h.validateResponse(h.resp[:idx]); err != nil {
				return err
			}
			h.leftover = h.resp[idx+4:]
			return nil
		}
		buf := make([]byte, 512)
		n, err := inner.Read(buf)
		if n > 0 {
			h.resp = append(h.resp, buf[:n]...)
		}
		if err != nil {
			if err == streamio.ErrWouldBlock {
				return streamio.ErrWouldBlock
			}
			return fmt.Errorf("%w: ws handshake read: %v", streamio.ErrTransport, err)
		}
		if n == 0 {
			return streamio.ErrWouldBlock
		}
	}
}

func findHeaderEnd(buf []byte) int {
	return bytes.Index(buf, []byte("\r\n\r\n"))
}

func (h *handshakeState) validateResponse(header []byte) error {
	lines := strings.Split(string(header), "\r\n")
	if len(lines) == 0 {
		return fmt.Errorf("%w: empty handshake response", streamio.ErrProtocol)
	}

	statusLine := lines[0]
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 {
		return fmt.Errorf("%w: malformed status line %q", streamio.ErrProtocol, statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("%w: malformed status code %q", streamio.ErrProtocol, fields[1])
	}
	if status != 101 {
		return fmt.Errorf("%w: handshake rejected with status %d", streamio.ErrProtocol, status)
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	if !strings.EqualFold(headers["upgrade"], "websocket") {
		return fmt.Errorf("%w: missing or invalid Upgrade header", streamio.ErrProtocol)
	}
	if !strings.EqualFold(headers["connection"], "upgrade") {
		return fmt.Errorf("%w: missing or invalid Connection header", streamio.ErrProtocol)
	}
	accept := headers["sec-websocket-accept"]
	if accept != h.expectedAccept {
		return fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", streamio.ErrProtocol)
	}

	h.done = true
	return nil
}
