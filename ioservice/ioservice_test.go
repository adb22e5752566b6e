// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioservice

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireloop/streamio"
)

// fakeConn is a Connection that never actually touches a socket: Fd is a
// fixed sentinel (selector.Direct never inspects it) and Read/Write are
// driven entirely by the test.
type fakeConn struct {
	fd     int
	closed bool
}

func (c *fakeConn) Fd() int { return c.fd }
func (c *fakeConn) Read([]byte) (int, error) {
	return 0, streamio.ErrWouldBlock
}
func (c *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

var _ Connection = (*fakeConn)(nil)

// fakeEndpoint is a test Endpoint. failNextPoll, when set, makes the next
// Poll call return a fatal error (simulating a stream that died); onReady
// is invoked once per successful Poll call, for tests that need to react
// from inside the tick loop (invariant coverage for concurrent slot
// teardown).
type fakeEndpoint struct {
	host         string
	port         uint16
	connectCount int
	failNextPoll bool
	onReady      func()
}

func (e *fakeEndpoint) Target() (string, uint16) { return e.host, e.port }

func (e *fakeEndpoint) CreateConnection(_ context.Context, addr netip.Addr, port uint16) (Connection, error) {
	e.connectCount++
	return &fakeConn{fd: 1000 + e.connectCount}, nil
}

func (e *fakeEndpoint) Poll(_ context.Context, _ Connection) error {
	if e.failNextPoll {
		e.failNextPoll = false
		return fmt.Errorf("%w: simulated stream failure", streamio.ErrTransport)
	}
	if e.onReady != nil {
		e.onReady()
	}
	return streamio.ErrWouldBlock
}

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: time.Millisecond, Multiplier: 2, Jitter: 0, Max: 20 * time.Millisecond}
}

func TestSlotReachesReadyFromUnresolved(t *testing.T) {
	svc, err := New(context.Background(), WithBackoffPolicy(fastBackoff()))
	require.NoError(t, err)
	defer svc.Close()

	ep := &fakeEndpoint{host: "127.0.0.1", port: 9001}
	h, err := svc.Register(ep)
	require.NoError(t, err)

	state, ok := svc.State(h)
	require.True(t, ok)
	require.Equal(t, "unresolved", state)

	require.Eventually(t, func() bool {
		require.NoError(t, svc.Poll())
		state, _ := svc.State(h)
		return state == "ready"
	}, 2*time.Second, time.Millisecond)
}

func TestSlotReconnectsAfterPollFailure(t *testing.T) {
	svc, err := New(context.Background(), WithBackoffPolicy(fastBackoff()))
	require.NoError(t, err)
	defer svc.Close()

	ep := &fakeEndpoint{host: "127.0.0.1", port: 9002}
	h, err := svc.Register(ep)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		require.NoError(t, svc.Poll())
		state, _ := svc.State(h)
		return state == "ready"
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, 1, ep.connectCount)

	ep.failNextPoll = true
	require.Eventually(t, func() bool {
		require.NoError(t, svc.Poll())
		state, _ := svc.State(h)
		return state == "backoff"
	}, time.Second, time.Millisecond)
	require.True(t, errors.Is(svc.LastError(h), streamio.ErrTransport))

	require.Eventually(t, func() bool {
		require.NoError(t, svc.Poll())
		state, _ := svc.State(h)
		return state == "ready"
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, 2, ep.connectCount)
}

// TestDeregisterDuringPollDoesNotDisruptOtherSlots covers invariant #8: one
// endpoint's Poll callback deregisters a sibling slot mid-tick, and the
// callback's own slot still finishes the tick normally.
func TestDeregisterDuringPollDoesNotDisruptOtherSlots(t *testing.T) {
	svc, err := New(context.Background(), WithBackoffPolicy(fastBackoff()))
	require.NoError(t, err)
	defer svc.Close()

	epB := &fakeEndpoint{host: "127.0.0.2", port: 9004}
	hB, err := svc.Register(epB)
	require.NoError(t, err)

	var epAReadyCalls int
	epA := &fakeEndpoint{host: "127.0.0.1", port: 9003}
	epA.onReady = func() {
		epAReadyCalls++
		if epAReadyCalls == 1 {
			require.NoError(t, svc.Deregister(hB))
		}
	}
	hA, err := svc.Register(epA)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		require.NoError(t, svc.Poll())
		stA, _ := svc.State(hA)
		return stA == "ready" && epAReadyCalls > 0
	}, 2*time.Second, time.Millisecond)

	_, stillRegistered := svc.State(hB)
	require.False(t, stillRegistered)

	// A must keep ticking normally in subsequent polls, undisturbed by B's
	// mid-tick removal.
	before := epAReadyCalls
	require.NoError(t, svc.Poll())
	require.Greater(t, epAReadyCalls, before)
}

func TestBackoffPolicyGrowsExponentiallyUpToCap(t *testing.T) {
	p := BackoffPolicy{Initial: 100 * time.Millisecond, Multiplier: 2, Jitter: 0, Max: time.Second}
	zero := func() float64 { return 0.5 } // midpoint: no jitter offset

	require.Equal(t, 100*time.Millisecond, p.next(0, zero))
	require.Equal(t, 200*time.Millisecond, p.next(1, zero))
	require.Equal(t, 400*time.Millisecond, p.next(2, zero))
	require.Equal(t, 800*time.Millisecond, p.next(3, zero))
	require.Equal(t, time.Second, p.next(4, zero)) // 1600ms clamped to 1s
	require.Equal(t, time.Second, p.next(10, zero))
}

func TestBackoffPolicyJitterStaysWithinRange(t *testing.T) {
	p := BackoffPolicy{Initial: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.2, Max: time.Second}
	low := p.next(1, func() float64 { return 0 })    // -20%
	high := p.next(1, func() float64 { return 1 })   // +20%
	mid := p.next(1, func() float64 { return 0.5 })  // no offset

	require.Equal(t, 160*time.Millisecond, low)
	require.Equal(t, 240*time.Millisecond, high)
	require.Equal(t, 200*time.Millisecond, mid)
}

func TestRegisterRejectsEmptyHost(t *testing.T) {
	svc, err := New(context.Background())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Register(&fakeEndpoint{host: "", port: 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, streamio.ErrConfiguration))
}

func TestDeregisterUnknownHandleIsNoop(t *testing.T) {
	svc, err := New(context.Background())
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Deregister(Handle{}))
}
