// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || freebsd || netbsd || openbsd

package selector

import (
	"time"

	"golang.org/x/sys/unix"
)

// Kqueue is the BSD/Darwin OS-backed [Selector], completing the
// cross-platform OS readiness mechanism abstraction beyond the Linux-only
// epoll path.
type Kqueue struct {
	kq       int
	events   []unix.Kevent_t
	ready    []Ready
	changes  []unix.Kevent_t
	mergeIdx map[Token]int
}

var _ Selector = (*Kqueue)(nil)

// NewKqueue creates a new kqueue instance.
func NewKqueue() (*Kqueue, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &Kqueue{
		kq:       kq,
		events:   make([]unix.Kevent_t, 128),
		mergeIdx: make(map[Token]int, 128),
	}, nil
}

func (k *Kqueue) Register(fd int, interest Interest) (Token, error) {
	k.changes = k.changes[:0]
	if interest&InterestRead != 0 {
		k.changes = append(k.changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR,
		})
	}
	if interest&InterestWrite != 0 {
		k.changes = append(k.changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR,
		})
	}
	if len(k.changes) == 0 {
		return Token(fd), nil
	}
	if _, err := unix.Kevent(k.kq, k.changes, nil, nil); err != nil {
		return 0, err
	}
	return Token(fd), nil
}

func (k *Kqueue) Deregister(token Token) error {
	fd := int(token)
	del := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(k.kq, del, nil, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (k *Kqueue) Poll(timeout time.Duration) ([]Ready, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(k.kq, nil, k.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return k.ready[:0], nil
		}
		return nil, err
	}
	for tok := range k.mergeIdx {
		delete(k.mergeIdx, tok)
	}
	out := k.ready[:0]
	for i := 0; i < n; i++ {
		ev := k.events[i]
		tok := Token(ev.Ident)
		idx, ok := k.mergeIdx[tok]
		if !ok {
			out = append(out, Ready{Token: tok})
			idx = len(out) - 1
			k.mergeIdx[tok] = idx
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			out[idx].Readable = true
		case unix.EVFILT_WRITE:
			out[idx].Writable = true
		}
		if ev.Flags&unix.EV_EOF != 0 {
			out[idx].Hup = true
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			out[idx].Err = true
		}
	}
	k.ready = out
	return out, nil
}

func (k *Kqueue) Close() error {
	return unix.Close(k.kq)
}
