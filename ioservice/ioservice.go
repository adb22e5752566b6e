// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ioservice drives a collection of endpoints through a single
// readiness-driven event loop: asynchronous DNS resolution, non-blocking
// connect, readiness-gated I/O, and exponential-backoff reconnect, all from
// one cooperatively-scheduled thread.
//
// An IOService owns a selector.Selector, an IdleStrategy, and an ordered set
// of slots, one per registered Endpoint. Nothing here blocks the calling
// goroutine except the IdleStrategy's own sleep between ticks; every I/O
// path either makes progress or returns streamio.ErrWouldBlock and yields
// back to the tick loop, following tcpstream, tlsstream, and ws.
package ioservice

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/wireloop/streamio"
	"github.com/wireloop/streamio/selector"
)

// Handle is an opaque token identifying a registered endpoint. The zero
// Handle is never returned by Register.
type Handle uuid.UUID

func (h Handle) String() string { return uuid.UUID(h).String() }

// Connection is the handle an Endpoint hands back to the service: just
// enough for the tick loop to drive readiness and lifecycle. It deliberately
// does not require streamio.ByteStream, because the composed stack an
// Endpoint builds is often frame-oriented (a *ws.WebSocket) rather than a
// raw byte stream; the Endpoint is the only party that ever reads from or
// writes to it, via whatever concrete type it returns from
// CreateConnection and receives back, unchanged, in Poll.
type Connection interface {
	// Fd is the raw file descriptor the selector polls readiness on.
	Fd() int
	Close() error
}

// ConnectChecker is an optional capability a Connection may implement to
// report whether an asynchronous connect succeeded once the fd first
// reports writable (see tcpstream.TcpStream.ConnectComplete). A Connection
// that does not implement it is treated as connected on first writability.
type ConnectChecker interface {
	ConnectComplete() error
}

// ByteCounter is an optional capability a Connection may implement to
// report its cumulative bytes read, so the service can derive a
// bytes-read-per-tick metric without parsing the protocol itself.
type ByteCounter interface {
	BytesRead() int64
}

// Endpoint is the user-supplied capability an IOService drives: it names a
// target, builds the composed stream as soon as an address has resolved
// (the socket's connect may still be in progress), and is polled once per
// readiness event.
type Endpoint interface {
	// Target returns the host (name or literal address) and port to
	// resolve and connect to.
	Target() (host string, port uint16)

	// CreateConnection builds the full stream stack (TLS, recording,
	// WebSocket framing, as the endpoint requires) atop a non-blocking
	// socket connecting to addr:port. The returned Connection's socket
	// connect may still be in progress; the service drives completion
	// via ConnectChecker before entering the Ready state.
	CreateConnection(ctx context.Context, addr netip.Addr, port uint16) (Connection, error)

	// Poll is called at most once per tick for a Ready slot whose fd
	// reported readiness (or, under selector.Direct, on every tick). A
	// streamio.ErrWouldBlock return is not an error: it means no
	// progress was available this tick. Any other error is fatal to the
	// connection; the slot is torn down and scheduled for reconnect.
	Poll(ctx context.Context, conn Connection) error
}

type slotState uint8

const (
	stateUnresolved slotState = iota
	stateResolving
	stateConnecting
	stateReady
	stateBackoff
	stateDead
)

func (s slotState) String() string {
	switch s {
	case stateUnresolved:
		return "unresolved"
	case stateResolving:
		return "resolving"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateBackoff:
		return "backoff"
	case stateDead:
		return "dead"
	default:
		return "unknown"
	}
}

type slot struct {
	handle Handle
	ep     Endpoint
	host   string
	port   uint16
	state  slotState

	addrs   []netip.Addr
	addrIdx int

	conn     Connection
	token    selector.Token
	hasToken bool

	backoffAttempt int
	backoffUntil   time.Time
	lastErr        error
	lastActivity   time.Time
	bytesReadSeen  int64
}

// Config holds an IOService's tunables. The zero Config is not valid; use
// Option values passed to New, which start from sensible defaults.
type Config struct {
	Selector       selector.Selector
	Idle           IdleStrategy
	Backoff        BackoffPolicy
	AutoDisconnect time.Duration // 0 disables the inactivity timer
	Metrics        *Metrics
	Logger         streamio.Logger
}

// Option configures an IOService at construction.
type Option func(*Config)

// WithSelector overrides the default selector.Direct. Use selector.NewEpoll
// or selector.NewKqueue for OS-backed readiness.
func WithSelector(s selector.Selector) Option { return func(c *Config) { c.Selector = s } }

// WithIdleStrategy overrides the default BusySpin.
func WithIdleStrategy(i IdleStrategy) Option { return func(c *Config) { c.Idle = i } }

// WithBackoffPolicy overrides the default reconnect backoff policy.
func WithBackoffPolicy(p BackoffPolicy) Option { return func(c *Config) { c.Backoff = p } }

// WithAutoDisconnect enables an inactivity timer: a Ready slot whose
// Endpoint.Poll has not returned successfully (nil error) within d of the
// last such return, or of entering Ready, is torn down and scheduled for
// reconnect. Disabled (0) by default.
func WithAutoDisconnect(d time.Duration) Option { return func(c *Config) { c.AutoDisconnect = d } }

// WithMetrics attaches a Prometheus-backed Metrics instance. Nil by default,
// in which case the service does no metrics work at all.
func WithMetrics(m *Metrics) Option { return func(c *Config) { c.Metrics = m } }

// WithLogger attaches a streamio.Logger for lifecycle events.
func WithLogger(l streamio.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		Selector: selector.NewDirect(),
		Idle:     BusySpin(),
		Backoff:  DefaultBackoffPolicy(),
		Logger:   streamio.DiscardLogger(),
	}
}

// IOService drives registered Endpoints through resolve/connect/poll/
// reconnect. It is not safe for concurrent use: exactly one goroutine calls
// Poll at a time, the same contract selector.Selector carries.
type IOService struct {
	cfg Config
	sel selector.Selector
	res *resolver

	ctx context.Context

	slots      map[Handle]*slot
	order      []Handle
	tokenIndex map[selector.Token]Handle
}

// New constructs an IOService. ctx is threaded through to every
// Endpoint.CreateConnection/Poll call, per the "explicit context parameter,
// not a thread-local or singleton" design this framework follows throughout.
func New(ctx context.Context, opts ...Option) (*IOService, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	res, err := newResolver()
	if err != nil {
		return nil, err
	}
	return &IOService{
		cfg:        cfg,
		sel:        cfg.Selector,
		res:        res,
		ctx:        ctx,
		slots:      make(map[Handle]*slot),
		tokenIndex: make(map[selector.Token]Handle),
	}, nil
}

// Register assigns a slot for ep and begins asynchronous DNS resolution on
// the next tick.
func (s *IOService) Register(ep Endpoint) (Handle, error) {
	host, port := ep.Target()
	if host == "" {
		return Handle{}, fmt.Errorf("%w: endpoint target has an empty host", streamio.ErrConfiguration)
	}
	h := Handle(uuid.New())
	s.slots[h] = &slot{handle: h, ep: ep, host: host, port: port, state: stateUnresolved}
	s.order = append(s.order, h)
	s.cfg.Logger.Info("ioserviceRegister", "handle", h.String(), "host", host, "port", port)
	return h, nil
}

// Deregister removes the slot behind h synchronously: its stream is closed,
// its selector registration removed, and any DNS result that later arrives
// for it is discarded on arrival.
func (s *IOService) Deregister(h Handle) error {
	sl, ok := s.slots[h]
	if !ok {
		return nil
	}
	s.closeSlot(sl)
	sl.state = stateDead
	delete(s.slots, h)
	for i, oh := range s.order {
		if oh == h {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.cfg.Logger.Info("ioserviceDeregister", "handle", h.String())
	return nil
}

// State reports the current lifecycle state of h, for observability and
// tests. The second return is false once h has been deregistered.
func (s *IOService) State(h Handle) (string, bool) {
	sl, ok := s.slots[h]
	if !ok {
		return "", false
	}
	return sl.state.String(), true
}

// LastError returns the most recent error that sent h into Backoff, or nil.
func (s *IOService) LastError(h Handle) error {
	sl, ok := s.slots[h]
	if !ok {
		return nil
	}
	return sl.lastErr
}

// Close shuts the service down: every remaining slot is torn down, the
// resolver worker stopped, and the selector closed.
func (s *IOService) Close() error {
	for _, h := range append([]Handle{}, s.order...) {
		_ = s.Deregister(h)
	}
	s.res.close()
	return s.sel.Close()
}

func (s *IOService) closeSlot(sl *slot) {
	if sl.hasToken {
		_ = s.sel.Deregister(sl.token)
		delete(s.tokenIndex, sl.token)
		sl.hasToken = false
	}
	if sl.conn != nil {
		_ = sl.conn.Close()
		sl.conn = nil
	}
}

// Poll runs exactly one tick: drain DNS completions, poll the selector for
// readiness, step the state machine for every ready slot at most once,
// advance slots whose backoff deadline has passed, check the inactivity
// timer, and finally invoke the idle strategy if no progress was made.
func (s *IOService) Poll() error {
	progress := false

	s.drainDNS(&progress)

	ready, err := s.sel.Poll(0)
	if err != nil {
		return fmt.Errorf("%w: selector poll: %v", streamio.ErrTransport, err)
	}
	for _, r := range ready {
		h, ok := s.tokenIndex[r.Token]
		if !ok {
			continue
		}
		sl, ok := s.slots[h]
		if !ok {
			continue // deregistered earlier in this same tick
		}
		if s.stepReady(sl, r) {
			progress = true
		}
	}

	now := time.Now()
	for _, h := range append([]Handle{}, s.order...) {
		sl, ok := s.slots[h]
		if !ok {
			continue
		}
		switch sl.state {
		case stateUnresolved:
			s.beginResolve(sl)
			progress = true
		case stateBackoff:
			if !now.Before(sl.backoffUntil) {
				sl.state = stateUnresolved
				progress = true
			}
		case stateReady:
			if s.cfg.AutoDisconnect > 0 && now.Sub(sl.lastActivity) >= s.cfg.AutoDisconnect {
				s.scheduleBackoff(sl, fmt.Errorf("%w: no activity within %s", streamio.ErrTransport, s.cfg.AutoDisconnect))
				progress = true
			}
		}
	}

	s.cfg.Metrics.recordTick(s.slotCounts())
	if progress {
		if r, ok := s.cfg.Idle.(resettable); ok {
			r.Reset()
		}
	} else {
		s.cfg.Idle.Idle()
	}
	return nil
}

func (s *IOService) slotCounts() map[string]int {
	counts := make(map[string]int, 6)
	for st := stateUnresolved; st <= stateDead; st++ {
		counts[st.String()] = 0
	}
	for _, sl := range s.slots {
		counts[sl.state.String()]++
	}
	return counts
}

func (s *IOService) beginResolve(sl *slot) {
	sl.state = stateResolving
	s.res.submit(resolveRequest{handle: sl.handle, host: sl.host})
	s.cfg.Logger.Debug("ioserviceResolveBegin", "handle", sl.handle.String(), "host", sl.host)
}

func (s *IOService) drainDNS(progress *bool) {
	for {
		select {
		case res := <-s.res.resultCh:
			sl, ok := s.slots[res.handle]
			if !ok || sl.state != stateResolving {
				continue
			}
			*progress = true
			if res.err != nil {
				s.scheduleBackoff(sl, res.err)
				continue
			}
			sl.addrs = res.addrs
			sl.addrIdx = 0
			s.beginConnect(sl)
		default:
			return
		}
	}
}

func (s *IOService) beginConnect(sl *slot) {
	if sl.addrIdx >= len(sl.addrs) {
		s.scheduleBackoff(sl, fmt.Errorf("%w: exhausted resolved addresses for %s", streamio.ErrResolution, sl.host))
		return
	}
	addr := sl.addrs[sl.addrIdx]
	sl.addrIdx++

	conn, err := sl.ep.CreateConnection(s.ctx, addr, sl.port)
	if err != nil {
		s.cfg.Logger.Warn("ioserviceConnectError", "handle", sl.handle.String(), "addr", addr.String(), "err", err)
		s.beginConnect(sl)
		return
	}
	token, err := s.sel.Register(conn.Fd(), selector.InterestWrite)
	if err != nil {
		_ = conn.Close()
		s.scheduleBackoff(sl, fmt.Errorf("%w: register connecting fd: %v", streamio.ErrTransport, err))
		return
	}
	sl.conn = conn
	sl.token = token
	sl.hasToken = true
	sl.state = stateConnecting
	s.tokenIndex[token] = sl.handle
	s.cfg.Logger.Debug("ioserviceConnecting", "handle", sl.handle.String(), "addr", addr.String())
}

func (s *IOService) stepReady(sl *slot, r selector.Ready) bool {
	switch sl.state {
	case stateConnecting:
		if r.Err || r.Hup {
			s.scheduleBackoff(sl, fmt.Errorf("%w: connect failed for %s", streamio.ErrTransport, sl.host))
			return true
		}
		if !r.Writable {
			return false
		}
		if cc, ok := sl.conn.(ConnectChecker); ok {
			if err := cc.ConnectComplete(); err != nil {
				s.scheduleBackoff(sl, err)
				return true
			}
		}
		_ = s.sel.Deregister(sl.token)
		delete(s.tokenIndex, sl.token)
		token, err := s.sel.Register(sl.conn.Fd(), selector.InterestRead)
		if err != nil {
			s.scheduleBackoff(sl, fmt.Errorf("%w: register ready fd: %v", streamio.ErrTransport, err))
			return true
		}
		sl.token = token
		s.tokenIndex[token] = sl.handle
		sl.state = stateReady
		sl.backoffAttempt = 0
		sl.lastActivity = time.Now()
		s.cfg.Logger.Info("ioserviceSlotReady", "handle", sl.handle.String(), "host", sl.host)
		return true

	case stateReady:
		if r.Err || r.Hup {
			s.scheduleBackoff(sl, fmt.Errorf("%w: connection reset for %s", streamio.ErrTransport, sl.host))
			return true
		}
		err := sl.ep.Poll(s.ctx, sl.conn)
		if err != nil {
			if errors.Is(err, streamio.ErrWouldBlock) {
				return false
			}
			s.scheduleBackoff(sl, fmt.Errorf("%w: endpoint poll: %v", streamio.ErrTransport, err))
			return true
		}
		sl.lastActivity = time.Now()
		if bc, ok := sl.conn.(ByteCounter); ok {
			if total := bc.BytesRead(); total > sl.bytesReadSeen {
				s.cfg.Metrics.recordBytes(total - sl.bytesReadSeen)
				sl.bytesReadSeen = total
			}
		}
		s.cfg.Metrics.recordFrame()
		return true

	default:
		return false
	}
}

func (s *IOService) scheduleBackoff(sl *slot, cause error) {
	s.closeSlot(sl)
	sl.lastErr = cause
	delay := s.cfg.Backoff.next(sl.backoffAttempt, rand.Float64)
	sl.backoffAttempt++
	sl.backoffUntil = time.Now().Add(delay)
	sl.state = stateBackoff
	s.cfg.Logger.Warn("ioserviceBackoff", "handle", sl.handle.String(), "delay", delay, "err", cause)
	s.cfg.Metrics.recordBackoff()
}

// resettable is implemented by IdleStrategy variants whose internal state
// should reset whenever a tick makes progress (see ProgressiveBackoff).
type resettable interface {
	Reset()
}
