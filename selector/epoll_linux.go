// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package selector

import (
	"time"

	"golang.org/x/sys/unix"
)

// Epoll is the Linux OS-backed [Selector], grounded in the corpus's
// zero-copy epoll samples (iqhive-go-proxyproto's
// zero_copy_epoll_linux.go): one EpollCreate1 instance, one reused
// EpollEvent slice across Poll calls, no per-poll allocation.
type Epoll struct {
	epfd   int
	events []unix.EpollEvent
	ready  []Ready
}

var _ Selector = (*Epoll)(nil)

// NewEpoll creates a new epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (e *Epoll) Register(fd int, interest Interest) (Token, error) {
	var events uint32 = unix.EPOLLRDHUP
	if interest&InterestRead != 0 {
		events |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, err
	}
	return Token(fd), nil
}

func (e *Epoll) Deregister(token Token) error {
	fd := int(token)
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (e *Epoll) Poll(timeout time.Duration) ([]Ready, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(e.epfd, e.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return e.ready[:0], nil
		}
		return nil, err
	}
	out := e.ready[:0]
	for i := 0; i < n; i++ {
		ev := e.events[i]
		out = append(out, Ready{
			Token:    Token(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Err:      ev.Events&unix.EPOLLERR != 0,
			Hup:      ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	e.ready = out
	return out, nil
}

func (e *Epoll) Close() error {
	return unix.Close(e.epfd)
}
