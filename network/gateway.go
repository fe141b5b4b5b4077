// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package network implements the gateway that owns every TCP and UDP socket
// in the process. Callers never touch sockets directly: they send requests
// to the gateway's bus and receive responses and notifications on their
// own bus.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"storj.io/portmapper/bus"
)

const (
	defaultReadBufferSize = 65535
	eventBacklog          = 64
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger used by the gateway.
func WithLogger(logger logr.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the collectors the gateway reports to.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gateway) { g.metrics = metrics }
}

// WithReadBufferSize sets the size of each socket's read buffer. For UDP
// this bounds the largest datagram that can be received intact.
func WithReadBufferSize(size int) Option {
	return func(g *Gateway) {
		if size > 0 {
			g.readBufferSize = size
		}
	}
}

// Gateway is the reactor. A single goroutine owns all socket entries; each
// socket is additionally served by a reader and a writer goroutine, which
// report back to the reactor over events and never touch entry state.
type Gateway struct {
	logger         logr.Logger
	metrics        *Metrics
	readBufferSize int

	inbox  *bus.Bus
	events chan event

	// socket goroutines; waited for once the reactor exits
	workers sync.WaitGroup

	// the fields below belong to the reactor goroutine
	lastID    int
	byID      map[int]*socketEntry
	byChannel map[*socketChannel]*socketEntry
	killed    bool

	done chan struct{}
	// fault is set before done is closed if the reactor died on a panic.
	fault error
}

// NewGateway starts a gateway and returns immediately.
func NewGateway(opts ...Option) *Gateway {
	g := newGateway(opts...)
	go g.run()
	return g
}

func newGateway(opts ...Option) *Gateway {
	g := &Gateway{
		logger:         logr.Discard(),
		readBufferSize: defaultReadBufferSize,
		inbox:          bus.New(),
		events:         make(chan event, eventBacklog),
		byID:           make(map[int]*socketEntry),
		byChannel:      make(map[*socketChannel]*socketEntry),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	return g
}

// Bus returns the gateway's inbox. It is safe to use from any goroutine.
func (g *Gateway) Bus() *bus.Bus {
	return g.inbox
}

// Done is closed once the reactor has exited and all sockets are closed.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

// Err returns the fault that stopped the reactor, if any. It is only
// meaningful after Done is closed.
func (g *Gateway) Err() error {
	select {
	case <-g.done:
		return g.fault
	default:
		return nil
	}
}

// Close kills the gateway and waits for it to finish.
func (g *Gateway) Close() error {
	g.inbox.Send(KillRequest{})
	<-g.done
	return g.fault
}

func (g *Gateway) run() {
	defer func() {
		r := recover()
		if r != nil {
			g.fault = fmt.Errorf("network gateway fault: %v", r)
			g.logger.Error(g.fault, "reactor stopped on unrecoverable state")
		}
		g.shutdown()
		close(g.done)
		if r != nil {
			// the reactor's invariants can no longer be trusted; owners have
			// been told, now fail loudly
			panic(r)
		}
	}()

	g.logger.V(1).Info("gateway started")
	for !g.killed {
		select {
		case ev := <-g.events:
			g.processEvent(ev)
			g.drainEvents()
		case msg := <-g.inbox.C():
			g.processCommand(msg)
		}
		g.drainInbox()
	}
	g.logger.V(1).Info("gateway killed")
}

func (g *Gateway) drainEvents() {
	for {
		select {
		case ev := <-g.events:
			g.processEvent(ev)
		default:
			return
		}
	}
}

func (g *Gateway) drainInbox() {
	for {
		select {
		case msg := <-g.inbox.C():
			g.processCommand(msg)
		default:
			return
		}
	}
}

// shutdown tears down every remaining entry and releases the inbox.
func (g *Gateway) shutdown() {
	var closeErr error
	for _, e := range g.byID {
		closeErr = multierr.Append(closeErr, g.teardown(e, ErrGatewayClosed))
	}
	if closeErr != nil {
		g.logger.V(1).Info("errors closing sockets on shutdown", "error", closeErr.Error())
	}
	_ = g.inbox.Close()
	g.workers.Wait()
}

// teardown removes the entry from both maps, closes its socket and tells
// its owner why.
func (g *Gateway) teardown(e *socketEntry, reason error) error {
	delete(g.byID, e.id)
	delete(g.byChannel, e.ch)
	err := e.ch.close()
	g.metrics.OpenSockets.WithLabelValues(e.ch.kind.String()).Dec()
	if !errors.Is(reason, ErrGatewayClosed) {
		g.metrics.SocketErrors.WithLabelValues(e.ch.kind.String()).Inc()
	}
	g.logger.V(1).Info("socket torn down", "id", e.id, "kind", e.ch.kind.String(), "reason", reason.Error())
	e.owner.Send(ErrorNotification{ID: e.id, Err: reason})
	return err
}

// register adds a new entry to both maps.
func (g *Gateway) register(e *socketEntry) {
	g.byID[e.id] = e
	g.byChannel[e.ch] = e
	g.metrics.OpenSockets.WithLabelValues(e.ch.kind.String()).Inc()
	g.updateInterest(e)
}

func (g *Gateway) processCommand(msg interface{}) {
	req, ok := msg.(Request)
	if !ok {
		g.logger.Error(nil, "dropping message that is not a request", "type", fmt.Sprintf("%T", msg))
		return
	}
	if _, kill := req.(KillRequest); !kill && req.replyTo() == nil {
		g.logger.Error(nil, "dropping request without a reply bus", "type", fmt.Sprintf("%T", msg))
		return
	}

	switch req := req.(type) {
	case KillRequest:
		g.killed = true
	case GetNextIDRequest:
		g.lastID++
		req.Bus.Send(GetNextIDResponse{ID: g.lastID})
	case GetLocalIPAddressesRequest:
		addrs, err := localIPAddresses()
		if err != nil {
			req.Bus.Send(ErrorResponse{ID: NoID, Request: req, Err: err})
			return
		}
		req.Bus.Send(GetLocalIPAddressesResponse{Addresses: addrs})
	case CreateUDPRequest:
		if g.rejectDuplicate(req.ID, req) {
			return
		}
		g.createUDP(req)
	case CreateTCPRequest:
		if g.rejectDuplicate(req.ID, req) {
			return
		}
		g.createTCP(req)
	case CloseRequest:
		e := g.lookup(req.ID, req)
		if e == nil {
			return
		}
		delete(g.byID, e.id)
		delete(g.byChannel, e.ch)
		g.metrics.OpenSockets.WithLabelValues(e.ch.kind.String()).Dec()
		if err := e.ch.close(); err != nil {
			g.logger.V(1).Info("error closing socket", "id", e.id, "error", err.Error())
		}
		req.Bus.Send(CloseResponse{ID: e.id})
	case WriteTCPRequest:
		e := g.lookupKind(req.ID, req, tcpSocket)
		if e == nil || len(req.Data) == 0 {
			return
		}
		e.outgoing = append(e.outgoing, outgoing{data: req.Data, size: len(req.Data)})
		g.updateInterest(e)
	case WriteUDPRequest:
		e := g.lookupKind(req.ID, req, udpSocket)
		if e == nil {
			return
		}
		if req.RemoteAddress == nil {
			req.Bus.Send(ErrorResponse{ID: req.ID, Request: req, Err: errors.New("network: datagram has no destination")})
			return
		}
		e.outgoing = append(e.outgoing, outgoing{addr: req.RemoteAddress, data: req.Data, size: len(req.Data)})
		g.updateInterest(e)
	default:
		panic(fmt.Sprintf("unhandled request type %T", req))
	}
}

func (g *Gateway) rejectDuplicate(id int, req Request) bool {
	if _, ok := g.byID[id]; ok {
		req.replyTo().Send(ErrorResponse{ID: id, Request: req, Err: ErrDuplicateID})
		return true
	}
	return false
}

func (g *Gateway) lookup(id int, req Request) *socketEntry {
	e, ok := g.byID[id]
	if !ok {
		req.replyTo().Send(ErrorResponse{ID: id, Request: req, Err: ErrUnknownID})
		return nil
	}
	return e
}

func (g *Gateway) lookupKind(id int, req Request, kind socketKind) *socketEntry {
	e := g.lookup(id, req)
	if e != nil && e.ch.kind != kind {
		req.replyTo().Send(ErrorResponse{ID: id, Request: req, Err: ErrWrongSocketType})
		return nil
	}
	return e
}

// processEvent handles readiness reported by one socket's goroutines. A
// failure here only ever takes down that socket.
func (g *Gateway) processEvent(ev event) {
	e, ok := g.byChannel[ev.ch]
	if !ok {
		// stale: the socket was closed while the event was in flight, or
		// the connect finished after the entry went away
		if ev.kind == eventConnected && ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic handling %s event: %v", ev.kind, r)
			}
		}()
		return g.handleEvent(e, ev)
	}()
	if err != nil {
		_ = g.teardown(e, err)
		return
	}
	g.updateInterest(e)
}

func (g *Gateway) handleEvent(e *socketEntry, ev event) error {
	switch ev.kind {
	case eventConnected:
		if !e.connecting {
			// a connect can be signalled more than once; only the first
			// transition is reported
			_ = ev.conn.Close()
			return nil
		}
		e.connecting = false
		e.ch.conn = ev.conn
		g.startWorkers(e.ch)
		tcpConn := ev.conn.(*net.TCPConn)
		e.owner.Send(ConnectedTCPNotification{
			ID:            e.id,
			LocalAddress:  tcpConn.LocalAddr().(*net.TCPAddr),
			RemoteAddress: tcpConn.RemoteAddr().(*net.TCPAddr),
		})
	case eventRead:
		g.metrics.BytesRead.WithLabelValues(e.ch.kind.String()).Add(float64(len(ev.data)))
		if e.ch.kind == tcpSocket {
			e.owner.Send(ReadTCPNotification{ID: e.id, Data: ev.data})
			return nil
		}
		if ev.addr == nil {
			return nil
		}
		e.owner.Send(ReadUDPNotification{
			ID:            e.id,
			LocalAddress:  e.ch.conn.LocalAddr().(*net.UDPAddr),
			RemoteAddress: ev.addr,
			Data:          ev.data,
		})
	case eventReadClosed:
		e.readFinished = true
		e.owner.Send(ReadClosedTCPNotification{ID: e.id})
	case eventWrote:
		return g.handleWrote(e, ev.n)
	case eventFailed:
		return ev.err
	default:
		panic(fmt.Sprintf("unhandled event kind %d", ev.kind))
	}
	return nil
}

// handleWrote retires the in-flight head of the queue. A partial write
// leaves the remainder at the head to be retried.
func (g *Gateway) handleWrote(e *socketEntry, n int) error {
	if !e.writing || len(e.outgoing) == 0 {
		return fmt.Errorf("write completion with nothing in flight")
	}
	e.writing = false
	g.metrics.BytesWritten.WithLabelValues(e.ch.kind.String()).Add(float64(n))
	head := e.outgoing[0]
	if n < len(head.data) && e.ch.kind == tcpSocket {
		e.outgoing[0].data = head.data[n:]
		return nil
	}
	e.outgoing[0] = outgoing{}
	e.outgoing = e.outgoing[1:]
	if e.ch.kind == tcpSocket {
		e.owner.Send(WriteTCPResponse{ID: e.id, Written: head.size})
	} else {
		e.owner.Send(WriteUDPResponse{ID: e.id, Written: n})
	}
	return nil
}

// updateInterest recomputes the entry's interest set and acts on write
// interest: hand the queue head to the writer, or announce an empty queue
// once per empty period.
func (g *Gateway) updateInterest(e *socketEntry) {
	next := e.computeInterest()
	if next != e.interest {
		g.logger.V(2).Info("interest changed", "id", e.id, "from", e.interest.String(), "to", next.String())
		e.interest = next
	}
	if next&interestWrite == 0 {
		return
	}
	if len(e.outgoing) == 0 {
		e.writableNotified = true
		e.owner.Send(WriteEmptyNotification{ID: e.id})
		return
	}
	if !e.writing {
		e.writing = true
		// never blocks: the channel holds one buffer and only one is ever
		// in flight
		e.ch.writes <- e.outgoing[0]
	}
}
