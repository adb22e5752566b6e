// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ws

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wireloop/streamio"
)

// decodedHeader holds the state of the frame header currently being parsed
// out of WebSocket.buf, so a partial header (or a header whose payload has
// not fully arrived) can resume across calls without re-parsing bytes
// already consumed.
type decodedHeader struct {
	parsed      bool
	fin         bool
	opcode      Opcode
	masked      bool
	payloadLen  uint64
	headerBytes int // total header size (2 + extended length bytes)
}

const (
	minHeaderLen  = 2
	maxControlLen = 125
)

// tryParseFrame attempts to decode exactly one frame out of the bytes
// already buffered between w.start and w.end. It never reads from the
// underlying stream. It returns emitted=true when a user-visible Frame is
// ready (a complete message, or a control event); emitted=false means
// either more bytes are needed (the caller must fillOnce and retry) or the
// frame was absorbed into fragmentation state without producing an event.
func (w *WebSocket[S]) tryParseFrame() (Frame, bool, error) {
	if !w.hdr.parsed {
		ok, err := w.parseHeader()
		if err != nil {
			return Frame{}, false, err
		}
		if !ok {
			return Frame{}, false, nil
		}
	}

	need := w.hdr.headerBytes + int(w.hdr.payloadLen)
	if w.end-w.start < need {
		return Frame{}, false, nil
	}

	payload := w.buf[w.start+w.hdr.headerBytes : w.start+need]
	opcode := w.hdr.opcode
	fin := w.hdr.fin

	w.start += need
	w.hdr = decodedHeader{}

	// batchTS is only ever advanced by fillOnce, so every frame parsed
	// from bytes fillOnce delivered in one underlying Read shares the
	// same timestamp, per the batch-timestamping contract.
	ts := w.batchTS

	if opcode.isControl() {
		return w.handleControlFrame(opcode, fin, payload, ts)
	}
	return w.handleDataFrame(opcode, fin, payload, ts)
}

func (w *WebSocket[S]) parseHeader() (bool, error) {
	avail := w.end - w.start
	if avail < minHeaderLen {
		return false, nil
	}
	b0 := w.buf[w.start]
	b1 := w.buf[w.start+1]

	if b0&0x70 != 0 {
		return false, fmt.Errorf("%w: reserved bits set in frame header", streamio.ErrProtocol)
	}
	fin := b0&0x80 != 0
	opcode := Opcode(b0 & 0x0F)
	switch opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return false, fmt.Errorf("%w: unknown opcode 0x%x", streamio.ErrProtocol, uint8(opcode))
	}

	masked := b1&0x80 != 0
	if masked {
		return false, fmt.Errorf("%w: server frame must not be masked", streamio.ErrProtocol)
	}

	lenField := b1 & 0x7F
	var extLen int
	switch {
	case lenField <= 125:
		extLen = 0
	case lenField == 126:
		extLen = 2
	default: // 127
		extLen = 8
	}
	headerBytes := minHeaderLen + extLen
	if avail < headerBytes {
		return false, nil
	}

	var payloadLen uint64
	switch extLen {
	case 0:
		payloadLen = uint64(lenField)
	case 2:
		payloadLen = uint64(binary.BigEndian.Uint16(w.buf[w.start+2 : w.start+4]))
	case 8:
		payloadLen = binary.BigEndian.Uint64(w.buf[w.start+2 : w.start+10])
	}

	if opcode.isControl() {
		if !fin {
			return false, fmt.Errorf("%w: fragmented control frame", streamio.ErrProtocol)
		}
		if payloadLen > maxControlLen {
			return false, fmt.Errorf("%w: control frame payload exceeds %d bytes", streamio.ErrProtocol, maxControlLen)
		}
	}

	w.hdr = decodedHeader{
		parsed:      true,
		fin:         fin,
		opcode:      opcode,
		masked:      masked,
		payloadLen:  payloadLen,
		headerBytes: headerBytes,
	}
	return true, nil
}

func (w *WebSocket[S]) handleControlFrame(opcode Opcode, _ bool, payload []byte, ts time.Time) (Frame, bool, error) {
	switch opcode {
	case OpPing:
		if w.opts.autoPong {
			if err := w.WritePong(payload); err != nil && err != streamio.ErrWouldBlock {
				return Frame{}, false, err
			}
		}
	case OpClose:
		w.closeReceived = true
		if !w.closeSent {
			code, reason := parseCloseFrame(payload)
			_ = w.sendCloseFrame(code, reason)
		}
		w.state = StateClosed
	}
	return Frame{Opcode: opcode, Payload: payload, Timestamp: ts}, true, nil
}

func (w *WebSocket[S]) handleDataFrame(opcode Opcode, fin bool, payload []byte, ts time.Time) (Frame, bool, error) {
	if opcode == OpContinuation {
		if !w.fragActive {
			return Frame{}, false, fmt.Errorf("%w: continuation frame with no active message", streamio.ErrProtocol)
		}
		w.fragBuf = append(w.fragBuf, payload...)
		if !fin {
			return Frame{}, false, nil
		}
		assembled := w.fragBuf
		assembledOpcode := w.fragOpcode
		w.fragActive = false
		w.fragBuf = nil
		w.fragOpcode = 0
		if assembledOpcode == OpText && !w.validateUTF8Text(assembled) {
			return Frame{}, false, fmt.Errorf("%w: invalid UTF-8 in text message", streamio.ErrProtocol)
		}
		return Frame{Opcode: assembledOpcode, Payload: assembled, Timestamp: ts}, true, nil
	}

	if w.fragActive {
		return Frame{}, false, fmt.Errorf("%w: new message opcode while fragmentation in progress", streamio.ErrProtocol)
	}

	if !fin {
		w.fragActive = true
		w.fragOpcode = opcode
		w.fragBuf = append(w.fragBuf[:0], payload...)
		return Frame{}, false, nil
	}

	if opcode == OpText && !w.validateUTF8Text(payload) {
		return Frame{}, false, fmt.Errorf("%w: invalid UTF-8 in text frame", streamio.ErrProtocol)
	}
	return Frame{Opcode: opcode, Payload: payload, Timestamp: ts}, true, nil
}

// WriteText sends a single unfragmented Text frame.
func (w *WebSocket[S]) WriteText(p []byte) error {
	return w.writeFrame(OpText, true, p)
}

// WriteBinary sends a single unfragmented Binary frame.
func (w *WebSocket[S]) WriteBinary(p []byte) error {
	return w.writeFrame(OpBinary, true, p)
}

// WritePing sends a Ping frame carrying payload (at most 125 bytes).
func (w *WebSocket[S]) WritePing(payload []byte) error {
	if len(payload) > maxControlLen {
		return fmt.Errorf("%w: ping payload exceeds %d bytes", streamio.ErrConfiguration, maxControlLen)
	}
	return w.writeFrame(OpPing, true, payload)
}

// WritePong sends a Pong frame carrying payload (at most 125 bytes).
func (w *WebSocket[S]) WritePong(payload []byte) error {
	if len(payload) > maxControlLen {
		return fmt.Errorf("%w: pong payload exceeds %d bytes", streamio.ErrConfiguration, maxControlLen)
	}
	return w.writeFrame(OpPong, true, payload)
}

// Close sends a Close frame and transitions to StateClosing. It does not
// wait for the peer's mirrored Close; callers drive that by continuing to
// call Next until it observes StateClosed or the close linger elapses (see
// CloseDeadlineExceeded).
func (w *WebSocket[S]) Close(code uint16, reason string) error {
	if w.state == StateClosed || w.state == StateClosing {
		return nil
	}
	if err := w.sendCloseFrame(code, reason); err != nil {
		return err
	}
	w.state = StateClosing
	return nil
}

func (w *WebSocket[S]) sendCloseFrame(code uint16, reason string) error {
	payload := encodeCloseFrame(code, reason)
	err := w.writeFrame(OpClose, true, payload)
	if err == nil || err == streamio.ErrWouldBlock {
		w.closeSent = true
		w.closeSentAt = time.Now()
	}
	return err
}

// CloseDeadlineExceeded reports whether a Close has been sent, no mirrored
// Close has arrived, and the configured linger has elapsed — the signal
// the caller uses to force-close the underlying stream.
func (w *WebSocket[S]) CloseDeadlineExceeded() bool {
	if !w.closeSent || w.closeReceived {
		return false
	}
	return time.Since(w.closeSentAt) >= w.opts.closeLinger
}

func (w *WebSocket[S]) writeFrame(opcode Opcode, fin bool, payload []byte) error {
	if w.state == StateClosed {
		return fmt.Errorf("%w: connection closed", streamio.ErrProtocol)
	}
	if w.writePending() {
		if err := w.Flush(); err != nil {
			return err
		}
		if w.writePending() {
			return streamio.ErrWouldBlock
		}
	}
	w.encodeFrame(opcode, fin, payload)
	return w.Flush()
}

func (w *WebSocket[S]) encodeFrame(opcode Opcode, fin bool, payload []byte) {
	var b0 byte
	if fin {
		b0 |= 0x80
	}
	b0 |= byte(opcode) & 0x0F

	l := len(payload)
	switch {
	case l <= 125:
		w.writeBuf = append(w.writeBuf, b0, byte(l)|0x80)
	case l <= 0xFFFF:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(l))
		w.writeBuf = append(w.writeBuf, b0, 126|0x80, ext[0], ext[1])
	default:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(l))
		w.writeBuf = append(w.writeBuf, b0, 127|0x80)
		w.writeBuf = append(w.writeBuf, ext[:]...)
	}

	key := w.opts.keySource()
	var maskBytes [4]byte
	binary.BigEndian.PutUint32(maskBytes[:], key)
	w.writeBuf = append(w.writeBuf, maskBytes[:]...)

	maskStart := len(w.writeBuf)
	w.writeBuf = append(w.writeBuf, payload...)
	for i := 0; i < l; i++ {
		w.writeBuf[maskStart+i] ^= maskBytes[i%4]
	}
}

func (w *WebSocket[S]) writePending() bool { return w.writeOff < len(w.writeBuf) }

// Flush drains any frame bytes not yet accepted by the underlying stream.
// Callers normally never need to call this directly: writeFrame calls it
// automatically, but a caller that received streamio.ErrWouldBlock from a
// Write* call should call Flush again once the stream is writable, before
// attempting to write a new frame.
func (w *WebSocket[S]) Flush() error {
	for w.writeOff < len(w.writeBuf) {
		n, err := w.inner.Write(w.writeBuf[w.writeOff:])
		w.writeOff += n
		if err != nil {
			if err == streamio.ErrWouldBlock {
				return streamio.ErrWouldBlock
			}
			return fmt.Errorf("%w: ws write: %v", streamio.ErrTransport, err)
		}
	}
	w.writeBuf = w.writeBuf[:0]
	w.writeOff = 0
	return nil
}

func encodeCloseFrame(code uint16, reason string) []byte {
	if code == 0 {
		return nil
	}
	out := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(out, code)
	copy(out[2:], reason)
	return out
}

func parseCloseFrame(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return 1005, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}
