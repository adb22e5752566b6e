// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamio

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock reports that a read or write could not make progress right
// now and should be retried after the caller observes readiness. It is not
// an error at the API level: composed streams must propagate it unchanged
// rather than translate it into a zero-length read or a hard error.
//
// It is re-exported directly from code.hybscloud.com/iox rather than
// redefined, so a ByteStream can sit underneath code built against iox's
// own Reader/Writer without translation at the boundary.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrMore reports that the caller received a usable partial result and
// more data will follow without the caller needing to wait for readiness.
var ErrMore = iox.ErrMore

// Logger is the narrow structured-logging capability threaded explicitly
// through constructors in this module, mirroring bassosimone-nop's SLogger:
// Info for lifecycle/protocol transitions, Debug for per-I/O events.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DiscardLogger returns a [Logger] that discards everything. It is the
// default used whenever a constructor is not given one explicitly.
func DiscardLogger() Logger { return discardLogger{} }

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// ByteStream is the capability every layer in the stack implements:
// non-blocking reads and writes over some underlying transport, plus
// closure. Read and Write behave like io.Reader/io.Writer except that
// ErrWouldBlock is a normal, expected outcome rather than a fatal error.
type ByteStream interface {
	// Read behaves like io.Reader.Read, except that returning (0,
	// ErrWouldBlock) means "no data available yet, try again after the
	// next readiness notification" rather than an error.
	Read(p []byte) (n int, err error)

	// Write behaves like io.Writer.Write, except that returning (n,
	// ErrWouldBlock) with n < len(p) means the remaining bytes were not
	// accepted yet and must be retried by the caller.
	Write(p []byte) (n int, err error)

	// Close releases the stream's resources. Close is idempotent.
	Close() error
}

// Error kinds. WouldBlock is deliberately not among them: it is a control
// flow signal, not a fault.
var (
	// ErrTransport reports an OS I/O failure, TLS session failure, or
	// peer reset. Fatal to the stream that produced it.
	ErrTransport = errors.New("streamio: transport error")

	// ErrProtocol reports a malformed frame, handshake rejection, or
	// other protocol invariant violation. Fatal to the connection.
	ErrProtocol = errors.New("streamio: protocol error")

	// ErrResolution reports a DNS failure. Fatal to the connection
	// attempt in progress.
	ErrResolution = errors.New("streamio: resolution error")

	// ErrConfiguration reports an invalid URL, missing SNI name, or
	// invalid interface/bind configuration. Fatal immediately, before
	// any I/O is attempted.
	ErrConfiguration = errors.New("streamio: configuration error")
)
