// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ws implements an RFC 6455 WebSocket client engine directly over
// any [streamio.ByteStream].
//
// Semantics and design:
//   - Non-blocking first: every operation that would otherwise block
//     returns streamio.ErrWouldBlock and preserves all buffered state, so a
//     caller can retry after the next readiness notification without
//     losing partially read or partially written bytes.
//   - Zero-copy reads: Next returns a Frame whose Payload is a slice into
//     the engine's own read buffer. It is valid only until the next call
//     to Next.
//   - Client-only: this engine never accepts connections and never
//     negotiates extensions; it is the client half of the protocol.
//
// Wire format: standard RFC 6455 framing. Server frames must not be
// masked; client frames are always masked, per the protocol.
package ws

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/wireloop/streamio"
)

// Opcode identifies a frame's payload interpretation.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) isControl() bool { return op&0x8 != 0 }

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", uint8(op))
	}
}

// State is the connection's handshake/close lifecycle state.
type State uint8

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

// Frame is one logical message or control event surfaced by Next. For a
// fragmented Text/Binary message, Opcode is the original (non-continuation)
// opcode and Payload is the fully reassembled message.
type Frame struct {
	Opcode    Opcode
	Payload   []byte
	Timestamp time.Time
}

const (
	defaultInitialBufSize    = 4096
	defaultMaxBufSize        = 1 << 20
	defaultMaxControlPayload = 125
	defaultCloseLinger       = time.Second
)

// Option configures a [WebSocket] at construction.
type Option func(*options)

type options struct {
	keySource      func() uint32
	validateUTF8   bool
	closeLinger    time.Duration
	maxBufSize     int
	initialBufSize int
	autoPong       bool
	logger         streamio.Logger
}

func defaultOptions() options {
	return options{
		keySource:      defaultMaskKey,
		closeLinger:    defaultCloseLinger,
		maxBufSize:     defaultMaxBufSize,
		initialBufSize: defaultInitialBufSize,
		autoPong:       true,
		logger:         streamio.DiscardLogger(),
	}
}

// WithMaskKeySource overrides the 32-bit masking key generator. The default
// samples from crypto/rand.
func WithMaskKeySource(f func() uint32) Option {
	return func(o *options) { o.keySource = f }
}

// WithUTF8Validation rejects Text frames (and reassembled fragmented Text
// messages) whose payload is not valid UTF-8, transitioning the connection
// to StateFailed.
func WithUTF8Validation() Option {
	return func(o *options) { o.validateUTF8 = true }
}

// WithCloseLinger sets how long after a Close frame is sent, with no
// mirrored Close received, CloseDeadlineExceeded starts reporting true.
// The engine itself never waits and never closes the underlying stream.
func WithCloseLinger(d time.Duration) Option {
	return func(o *options) { o.closeLinger = d }
}

// WithMaxBufferSize bounds how large the read buffer may grow while
// assembling a frame or a fragmented message. A frame whose declared
// payload length would exceed it is a protocol error.
func WithMaxBufferSize(n int) Option {
	return func(o *options) { o.maxBufSize = n }
}

// WithAutoPong controls whether Ping frames are answered with a Pong
// carrying the same payload automatically. Enabled by default.
func WithAutoPong(enabled bool) Option {
	return func(o *options) { o.autoPong = enabled }
}

// WithLogger attaches a [streamio.Logger] for lifecycle and protocol
// events.
func WithLogger(l streamio.Logger) Option {
	return func(o *options) { o.logger = l }
}

func defaultMaskKey() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read failing is a platform-level condition this
		// engine cannot recover from; panicking here matches the
		// standard library's own behavior when its entropy source is
		// unavailable.
		panic("ws: crypto/rand unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint32(b[:])
}

// WebSocket wraps an inner [streamio.ByteStream] S with RFC 6455 client
// framing. S is a type parameter rather than an interface field so the hot
// Next/Write path is statically dispatched.
type WebSocket[S streamio.ByteStream] struct {
	inner S
	opts  options
	state State

	hs *handshakeState

	buf   []byte
	start int // consumed-through offset
	end   int // valid data end

	hdr decodedHeader

	fragActive bool
	fragOpcode Opcode
	fragBuf    []byte

	batchTS      time.Time
	batchTSValid bool

	writeBuf []byte
	writeOff int

	closeSent     bool
	closeSentAt   time.Time
	closeReceived bool
}

// New wraps inner with a WebSocket client session. The handshake is not
// performed until the caller drives it with [WebSocket.Handshake].
func New[S streamio.ByteStream](inner S, host, path string, opts ...Option) *WebSocket[S] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &WebSocket[S]{
		inner: inner,
		opts:  o,
		state: StateHandshaking,
		hs:    newHandshakeState(host, path),
		buf:   make([]byte, o.initialBufSize),
	}
}

// State reports the connection's current lifecycle state.
func (w *WebSocket[S]) State() State { return w.state }

// Handshake drives the client handshake forward. It returns
// [streamio.ErrWouldBlock] while waiting on the underlying stream and nil
// once the upgrade has completed successfully.
func (w *WebSocket[S]) Handshake() error {
	if w.state == StateOpen {
		return nil
	}
	if w.state != StateHandshaking {
		return fmt.Errorf("%w: handshake called in state %v", streamio.ErrProtocol, w.state)
	}
	if err := w.hs.drive(w.inner); err != nil {
		if errors.Is(err, streamio.ErrWouldBlock) {
			return streamio.ErrWouldBlock
		}
		w.state = StateFailed
		return err
	}
	w.state = StateOpen
	if n := len(w.hs.leftover); n > 0 {
		if n > len(w.buf) {
			w.buf = make([]byte, n)
		}
		w.end = copy(w.buf, w.hs.leftover)
		w.start = 0
		w.batchTS = time.Now()
		w.batchTSValid = true
	}
	w.opts.logger.Info("wsHandshakeComplete")
	return nil
}

// Next returns the next frame or control event. It returns
// [streamio.ErrWouldBlock] when no complete frame is available yet; all
// partially read bytes remain buffered for the next call. Once both sides
// have exchanged Close frames (or the underlying stream failed), Next
// returns a terminal error wrapping streamio.ErrProtocol or
// streamio.ErrTransport rather than io.EOF: a WebSocket close is a protocol
// event, not a plain end-of-stream.
func (w *WebSocket[S]) Next() (Frame, error) {
	if w.state == StateHandshaking {
		if err := w.Handshake(); err != nil {
			return Frame{}, err
		}
	}
	if w.state == StateClosed || w.state == StateFailed {
		return Frame{}, fmt.Errorf("%w: connection is closed", streamio.ErrProtocol)
	}

	for {
		before := w.start
		f, emitted, err := w.tryParseFrame()
		if err != nil {
			w.state = StateFailed
			return Frame{}, err
		}
		if emitted {
			return f, nil
		}
		if w.start != before {
			// A frame was consumed into fragmentation state; parse the
			// next buffered frame before reading from the stream again.
			continue
		}

		n, err := w.fillOnce()
		if err != nil {
			return Frame{}, err
		}
		if n == 0 {
			return Frame{}, streamio.ErrWouldBlock
		}
	}
}

// fillOnce reads once from the underlying stream into the buffer, growing
// or compacting it as needed, and stamps a fresh batch timestamp. It
// returns (0, streamio.ErrWouldBlock) when the stream has nothing to offer
// right now.
func (w *WebSocket[S]) fillOnce() (int, error) {
	w.compact()
	if w.end == len(w.buf) {
		if err := w.grow(); err != nil {
			return 0, err
		}
	}

	n, err := w.inner.Read(w.buf[w.end:])
	if n > 0 {
		w.end += n
		w.batchTS = time.Now()
		w.batchTSValid = true
	}
	if err != nil {
		if errors.Is(err, streamio.ErrWouldBlock) {
			return n, streamio.ErrWouldBlock
		}
		return n, fmt.Errorf("%w: ws read: %v", streamio.ErrTransport, err)
	}
	return n, nil
}

func (w *WebSocket[S]) compact() {
	if w.start == 0 {
		return
	}
	n := copy(w.buf, w.buf[w.start:w.end])
	w.start = 0
	w.end = n
}

func (w *WebSocket[S]) grow() error {
	if len(w.buf) >= w.opts.maxBufSize {
		return fmt.Errorf("%w: frame exceeds max buffer size %d", streamio.ErrProtocol, w.opts.maxBufSize)
	}
	newSize := len(w.buf) * 2
	if newSize > w.opts.maxBufSize {
		newSize = w.opts.maxBufSize
	}
	nb := make([]byte, newSize)
	copy(nb, w.buf[:w.end])
	w.buf = nb
	w.opts.logger.Debug("wsBufferGrown", "size", newSize)
	return nil
}

// validateUTF8Text reports whether p is valid UTF-8 when validation is
// enabled; it is a no-op check (always true) otherwise.
func (w *WebSocket[S]) validateUTF8Text(p []byte) bool {
	if !w.opts.validateUTF8 {
		return true
	}
	return utf8.Valid(p)
}
