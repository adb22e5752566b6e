// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selector abstracts over an OS readiness mechanism (epoll on
// Linux, kqueue on BSD/Darwin), plus a no-op "direct" mode for busy-poll
// workloads.
//
// Selectors do not own sockets; they hold tokens that identify fds whose
// lifecycle is owned by an ioservice.IOService's slots.
package selector

import "time"

// Interest describes which readiness events a registration cares about.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Token is an opaque registration handle. The OS-backed selectors in this
// package (Epoll, Kqueue) use the underlying file descriptor as the token
// value, since a single live registration per fd is the only configuration
// this package permits; Direct hands out sequential tokens starting at 1.
type Token int32

// Ready reports one fd's observed readiness.
type Ready struct {
	Token    Token
	Readable bool
	Writable bool
	// Err is set when the fd reported an error condition (EPOLLERR or
	// equivalent); the caller should treat the stream as failed.
	Err bool
	// Hup is set when the peer closed or half-closed the connection.
	Hup bool
}

// Selector registers fds, polls the OS for readiness, and returns the set
// of tokens that became ready. Implementations are not safe for concurrent
// use: exactly one IOService thread drives a Selector at a time.
type Selector interface {
	// Register starts watching fd for the given interest and returns an
	// opaque token identifying the registration.
	Register(fd int, interest Interest) (Token, error)

	// Deregister stops watching the fd behind token. Deregistering an
	// unknown token is a no-op.
	Deregister(token Token) error

	// Poll blocks for at most timeout (or indefinitely if timeout < 0)
	// waiting for at least one registered fd to become ready, then
	// returns the ready set. The returned slice is reused across calls
	// and is only valid until the next call to Poll.
	Poll(timeout time.Duration) ([]Ready, error)

	// Close releases the selector's own resources (e.g. the epoll fd).
	// It does not close any registered fd.
	Close() error
}

// Direct is the no-op selector: every registered token is reported ready
// (for both read and write) on every call to Poll. It is intended for
// latency-bound workloads where busy-polling every endpoint every tick is
// an acceptable cost.
type Direct struct {
	next      int32
	byToken   map[Token]int
	readySlot []Ready
}

var _ Selector = (*Direct)(nil)

// NewDirect returns a ready-to-use Direct selector.
func NewDirect() *Direct {
	return &Direct{byToken: make(map[Token]int)}
}

func (d *Direct) Register(fd int, _ Interest) (Token, error) {
	d.next++
	t := Token(d.next)
	d.byToken[t] = fd
	return t, nil
}

func (d *Direct) Deregister(token Token) error {
	delete(d.byToken, token)
	return nil
}

func (d *Direct) Poll(time.Duration) ([]Ready, error) {
	out := d.readySlot[:0]
	for t := range d.byToken {
		out = append(out, Ready{Token: t, Readable: true, Writable: true})
	}
	d.readySlot = out
	return out, nil
}

func (d *Direct) Close() error { return nil }
