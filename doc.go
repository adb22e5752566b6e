// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package streamio provides the non-blocking byte-stream capability shared
// by every layer of this framework: raw TCP, TLS, and recording implement
// and consume [ByteStream], and the WebSocket protocol engine consumes it.
//
// Would-block is a first-class, non-error outcome (see [ErrWouldBlock]) and
// must survive composition: a [ByteStream] built by layering other
// ByteStreams never converts a would-block from an inner layer into an
// error, a zero-length read, or a silent retry.
package streamio
