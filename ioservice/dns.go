// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioservice

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/wireloop/streamio"
)

// resolveRequest is what the tick loop submits to the resolver goroutine.
type resolveRequest struct {
	handle Handle
	host   string
}

// resolveResult is what the resolver goroutine hands back, drained by the
// tick loop at the start of every Poll call. addrs is nil when err != nil.
type resolveResult struct {
	handle Handle
	addrs  []netip.Addr
	err    error
}

// resolver owns the only goroutine this package spawns off the tick
// thread. It is a pair of channels: the IOService is the sole producer of
// requests and sole consumer of results, and the resolver goroutine
// consumes requests and produces results. The one exception is submit,
// which posts a failure result from the tick thread itself when the
// request queue is full. Neither side needs locking beyond the channels.
type resolver struct {
	client  *dns.Client
	cfg     *dns.ClientConfig
	reqCh   chan resolveRequest
	resultCh chan resolveResult
	closeCh chan struct{}
}

const resolverQueueDepth = 256

func newResolver() (*resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("%w: load /etc/resolv.conf: %v", streamio.ErrConfiguration, err)
	}
	r := &resolver{
		client:  &dns.Client{Timeout: 5 * time.Second},
		cfg:     cfg,
		reqCh:   make(chan resolveRequest, resolverQueueDepth),
		resultCh: make(chan resolveResult, resolverQueueDepth),
		closeCh: make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *resolver) loop() {
	for {
		select {
		case <-r.closeCh:
			return
		case req := <-r.reqCh:
			r.resultCh <- r.resolve(req)
		}
	}
}

func (r *resolver) resolve(req resolveRequest) resolveResult {
	if addr, err := netip.ParseAddr(req.host); err == nil {
		return resolveResult{handle: req.handle, addrs: []netip.Addr{addr}}
	}
	if len(r.cfg.Servers) == 0 {
		return resolveResult{handle: req.handle, err: fmt.Errorf("%w: no nameservers configured", streamio.ErrResolution)}
	}

	server := net.JoinHostPort(r.cfg.Servers[0], r.cfg.Port)
	addrs, err := r.exchange(req.host, server, dns.TypeA)
	if err == nil && len(addrs) > 0 {
		return resolveResult{handle: req.handle, addrs: addrs}
	}
	addrs6, err6 := r.exchange(req.host, server, dns.TypeAAAA)
	if err6 == nil && len(addrs6) > 0 {
		return resolveResult{handle: req.handle, addrs: addrs6}
	}
	if err != nil {
		return resolveResult{handle: req.handle, err: fmt.Errorf("%w: dns exchange for %s: %v", streamio.ErrResolution, req.host, err)}
	}
	return resolveResult{handle: req.handle, err: fmt.Errorf("%w: no addresses found for %s", streamio.ErrResolution, req.host)}
}

func (r *resolver) exchange(host, server string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	in, _, err := r.client.Exchange(msg, server)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, rr := range in.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				addrs = append(addrs, ip)
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				addrs = append(addrs, ip)
			}
		}
	}
	return addrs, nil
}

// submit enqueues req. If the request queue is full the caller gets an
// immediate resolution-kind failure instead of blocking the tick thread.
func (r *resolver) submit(req resolveRequest) {
	select {
	case r.reqCh <- req:
	default:
		r.resultCh <- resolveResult{handle: req.handle, err: fmt.Errorf("%w: resolver request queue full", streamio.ErrResolution)}
	}
}

func (r *resolver) close() {
	close(r.closeCh)
}
