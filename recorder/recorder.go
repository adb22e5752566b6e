// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recorder implements a transparent tee of a [streamio.ByteStream]'s
// bytes to a replayable sink, plus the replay companion that feeds recorded
// bytes back through the same capability surface without touching the
// network.
package recorder

import (
	"errors"
	"fmt"
	"io"

	"github.com/wireloop/streamio"
)

// RecordedStream wraps an inner [streamio.ByteStream] S, appending every
// byte read from S to readSink and every byte written to S to writeSink
// before the byte is visible to (respectively) the caller or the wire.
//
// Two sinks rather than one undifferentiated stream: the wire format is a
// raw byte log with no framing per direction, and the useful end-to-end
// scenario (replaying a recorded session through a fresh WebSocket engine)
// only makes sense against the inbound byte stream in isolation.
// Interleaving both directions into one log without framing would make
// that replay ambiguous, so each direction gets its own append-only log,
// and a caller who wants one file per connection can pass the same
// io.Writer for both.
type RecordedStream[S streamio.ByteStream] struct {
	inner     S
	readSink  io.Writer
	writeSink io.Writer
}

var _ streamio.ByteStream = (*RecordedStream[streamio.ByteStream])(nil)

// New wraps inner, recording reads to readSink and writes to writeSink. A
// nil sink disables recording for that direction.
func New[S streamio.ByteStream](inner S, readSink, writeSink io.Writer) *RecordedStream[S] {
	return &RecordedStream[S]{inner: inner, readSink: readSink, writeSink: writeSink}
}

// Read implements [streamio.ByteStream]. Every byte returned to the caller
// has already been appended to readSink.
func (r *RecordedStream[S]) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 && r.readSink != nil {
		if _, werr := r.readSink.Write(p[:n]); werr != nil {
			return 0, fmt.Errorf("%w: recorder read-sink write: %v", streamio.ErrTransport, werr)
		}
	}
	if err != nil && !errors.Is(err, streamio.ErrWouldBlock) && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %v", streamio.ErrTransport, err)
	}
	return n, err
}

// Write implements [streamio.ByteStream]. Only the bytes the inner stream
// actually accepts this call are appended to writeSink, recorded before
// Write returns to the caller — so nothing is ever visible as "sent" to a
// caller of this stream without already being in the log, even though a
// partial accept (would-block mid-write) means the wire has not
// necessarily flushed those bytes yet either.
func (r *RecordedStream[S]) Write(p []byte) (int, error) {
	n, err := r.inner.Write(p)
	if n > 0 && r.writeSink != nil {
		if _, werr := r.writeSink.Write(p[:n]); werr != nil {
			return 0, fmt.Errorf("%w: recorder write-sink write: %v", streamio.ErrTransport, werr)
		}
	}
	if err != nil && !errors.Is(err, streamio.ErrWouldBlock) {
		return n, fmt.Errorf("%w: %v", streamio.ErrTransport, err)
	}
	return n, err
}

// Close implements [streamio.ByteStream].
func (r *RecordedStream[S]) Close() error {
	return r.inner.Close()
}

// Replay is the companion to RecordedStream: it implements
// [streamio.ByteStream] by reading recorded bytes sequentially from a log,
// never touching the network. Replay never returns [streamio.ErrWouldBlock]
// — no timing metadata is stored, so playback is as fast as the caller
// consumes it.
type Replay struct {
	r io.Reader
}

var _ streamio.ByteStream = (*Replay)(nil)

// NewReplay wraps a recorded log for sequential read-back.
func NewReplay(log io.Reader) *Replay {
	return &Replay{r: log}
}

// Read implements [streamio.ByteStream].
func (p *Replay) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: replay read: %v", streamio.ErrTransport, err)
	}
	return n, err
}

// Write implements [streamio.ByteStream]. Replay is read-only: there is no
// peer to send bytes to.
func (p *Replay) Write([]byte) (int, error) {
	return 0, fmt.Errorf("%w: replay stream does not accept writes", streamio.ErrConfiguration)
}

// Close implements [streamio.ByteStream].
func (p *Replay) Close() error {
	if c, ok := p.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
