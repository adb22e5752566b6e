// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tlsstream

import (
	"errors"
	"net"
	"time"

	"github.com/wireloop/streamio"
)

// wouldBlockNetError is how a [streamio.ByteStream]'s ErrWouldBlock crosses
// the net.Conn boundary that crypto/tls requires. crypto/tls wraps I/O
// errors from the underlying conn in an internal type that forwards
// Timeout()/Temporary() from the original error, so a net.Error reporting
// Timeout()==true survives the round trip and is recognized as transient —
// the same contract the SetDeadline(now)-based non-blocking idiom relies
// on, applied here directly instead of through deadlines.
type wouldBlockNetError struct{}

func (wouldBlockNetError) Error() string   { return "tlsstream: would block" }
func (wouldBlockNetError) Timeout() bool   { return true }
func (wouldBlockNetError) Temporary() bool { return true }

var errWouldBlockNet net.Error = wouldBlockNetError{}

// isWouldBlock reports whether err (possibly wrapped by crypto/tls) is the
// non-blocking signal from the underlying stream.
func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// streamAddr is a placeholder net.Addr for streams that have no native
// notion of one (e.g. a raw fd wrapped directly, or a recorder replay).
type streamAddr string

func (a streamAddr) Network() string { return "stream" }
func (a streamAddr) String() string  { return string(a) }

// connAdapter presents a [streamio.ByteStream] as a net.Conn so it can be
// driven through crypto/tls's Client/Server session objects, which require
// a net.Conn. Deadlines are accepted but ignored: readiness is driven
// externally by the caller's selector, not by timers.
type connAdapter struct {
	inner streamio.ByteStream
}

var _ net.Conn = (*connAdapter)(nil)

func (a *connAdapter) Read(p []byte) (int, error) {
	n, err := a.inner.Read(p)
	if err != nil && errors.Is(err, streamio.ErrWouldBlock) {
		return n, errWouldBlockNet
	}
	return n, err
}

func (a *connAdapter) Write(p []byte) (int, error) {
	n, err := a.inner.Write(p)
	if err != nil && errors.Is(err, streamio.ErrWouldBlock) {
		return n, errWouldBlockNet
	}
	return n, err
}

func (a *connAdapter) Close() error                     { return a.inner.Close() }
func (a *connAdapter) LocalAddr() net.Addr              { return streamAddr("local") }
func (a *connAdapter) RemoteAddr() net.Addr             { return streamAddr("remote") }
func (a *connAdapter) SetDeadline(time.Time) error      { return nil }
func (a *connAdapter) SetReadDeadline(time.Time) error  { return nil }
func (a *connAdapter) SetWriteDeadline(time.Time) error { return nil }
