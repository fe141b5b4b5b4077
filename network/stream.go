// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"storj.io/portmapper/buffers"
	"storj.io/portmapper/bus"
)

const defaultStreamBufferSize = 64 * 1024

// Dialer opens TCP connections through a gateway and presents them as
// net.Conn, so stream-oriented clients (HTTP, SOAP) can run on top of the
// gateway's sockets.
type Dialer struct {
	// Gateway is the gateway's inbox.
	Gateway *bus.Bus
	// Source is the local address to bind. Nil lets the OS choose.
	Source net.IP
	Logger logr.Logger
	// BufferSize bounds how much received data is held before the reader
	// catches up.
	BufferSize int
}

// DialContext connects to address, which must be host:port with host an IP
// literal or a resolvable name.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, &net.OpError{Op: "dial", Net: network, Err: net.UnknownNetworkError(network)}
	}
	raddr, err := net.DefaultResolver.LookupIPAddr(ctx, hostOf(address))
	if err != nil {
		return nil, err
	}
	port, err := portOf(address)
	if err != nil {
		return nil, err
	}

	logger := d.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	replies := bus.New()
	fail := func(err error) (net.Conn, error) {
		_ = replies.Close()
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}

	d.Gateway.Send(GetNextIDRequest{Bus: replies})
	msg, err := d.receive(ctx, replies)
	if err != nil {
		return fail(err)
	}
	idResp, ok := msg.(GetNextIDResponse)
	if !ok {
		return fail(fmt.Errorf("unexpected reply %T", msg))
	}
	id := idResp.ID

	d.Gateway.Send(CreateTCPRequest{
		ID:                 id,
		Bus:                replies,
		SourceAddress:      d.Source,
		DestinationAddress: raddr[0].IP,
		DestinationPort:    port,
	})
	for {
		msg, err := d.receive(ctx, replies)
		if err != nil {
			d.Gateway.Send(CloseRequest{ID: id, Bus: replies})
			return fail(err)
		}
		switch msg := msg.(type) {
		case CreateTCPResponse, WriteEmptyNotification:
		case ErrorResponse:
			return fail(msg.Err)
		case ErrorNotification:
			return fail(msg.Err)
		case ConnectedTCPNotification:
			size := d.BufferSize
			if size <= 0 {
				size = defaultStreamBufferSize
			}
			logger.V(1).Info("stream connected", "id", id, "remote", msg.RemoteAddress.String())
			return newStreamConn(d.Gateway, replies, id, msg.LocalAddress, msg.RemoteAddress, size, logger), nil
		default:
			logger.V(1).Info("ignoring message while connecting", "id", id, "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (d *Dialer) receive(ctx context.Context, replies *bus.Bus) (interface{}, error) {
	msg, err := replies.ReceiveFrom(ctx, d.Gateway)
	if errors.Is(err, bus.ErrPeerClosed) {
		return nil, ErrGatewayClosed
	}
	return msg, err
}

func hostOf(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}

func portOf(address string) (int, error) {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

type writeResult struct {
	n   int
	err error
}

// StreamConn is a net.Conn backed by a gateway TCP socket. A pump
// goroutine moves received data into a ring buffer and routes write
// acknowledgements back to Write.
type StreamConn struct {
	gateway *bus.Bus
	replies *bus.Bus
	id      int
	logger  logr.Logger

	local  *net.TCPAddr
	remote *net.TCPAddr

	rx     *buffers.SyncCircularBuffer
	acks   chan writeResult
	closed chan struct{}

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	closeOnce  sync.Once

	writeMu sync.Mutex

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*StreamConn)(nil)

func newStreamConn(gateway, replies *bus.Bus, id int, local, remote *net.TCPAddr, size int, logger logr.Logger) *StreamConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &StreamConn{
		gateway:    gateway,
		replies:    replies,
		id:         id,
		logger:     logger,
		local:      local,
		remote:     remote,
		rx:         buffers.NewSyncBuffer(size),
		acks:       make(chan writeResult, 1),
		closed:     make(chan struct{}),
		pumpCtx:    ctx,
		pumpCancel: cancel,
	}
	go c.pump()
	return c
}

func (c *StreamConn) pump() {
	for {
		msg, err := c.replies.Receive(c.pumpCtx)
		if err != nil {
			c.rx.CloseWrite(net.ErrClosed)
			return
		}
		switch msg := msg.(type) {
		case ReadTCPNotification:
			if err := c.rx.Append(c.pumpCtx, msg.Data); err != nil {
				return
			}
		case ReadClosedTCPNotification:
			c.rx.CloseWrite(nil)
		case WriteTCPResponse:
			c.ack(writeResult{n: msg.Written})
		case ErrorResponse:
			c.ack(writeResult{err: msg.Err})
		case ErrorNotification:
			c.rx.CloseWrite(msg)
			c.ack(writeResult{err: msg})
		case WriteEmptyNotification, CloseResponse:
		default:
			c.logger.V(1).Info("stream ignoring message", "id", c.id, "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *StreamConn) ack(r writeResult) {
	select {
	case c.acks <- r:
	default:
		// nobody waiting for it
	}
}

// Read reads received data, blocking until some is available.
func (c *StreamConn) Read(p []byte) (int, error) {
	ctx, cancel := c.deadlineContext(c.getDeadline(&c.readDeadline))
	defer cancel()
	n, err := c.rx.Consume(ctx, p)
	return n, c.mapErr(err)
}

// Write queues p on the socket and waits until it has been handed to the
// OS. Nothing is queued once the write deadline has passed. A deadline
// that expires while the data is queued closes the connection, since part
// of p may already be on the wire.
func (c *StreamConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	deadline := c.getDeadline(&c.writeDeadline)
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return 0, os.ErrDeadlineExceeded
	}
	// only one write is ever in flight, so anything left over is stale
	select {
	case <-c.acks:
	default:
	}

	data := make([]byte, len(p))
	copy(data, p)
	c.gateway.Send(WriteTCPRequest{ID: c.id, Bus: c.replies, Data: data})

	ctx, cancel := c.deadlineContext(deadline)
	defer cancel()
	select {
	case r := <-c.acks:
		if r.err != nil {
			return 0, r.err
		}
		return r.n, nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-ctx.Done():
		c.logger.V(1).Info("write deadline passed with data queued, closing", "id", c.id)
		_ = c.Close()
		return 0, c.mapErr(ctx.Err())
	}
}

// Close closes the socket. Pending reads and writes return net.ErrClosed.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.gateway.Send(CloseRequest{ID: c.id, Bus: c.replies})
		c.pumpCancel()
		c.rx.Close()
		_ = c.replies.Close()
	})
	return nil
}

// LocalAddr returns the socket's bound address.
func (c *StreamConn) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the connected peer.
func (c *StreamConn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline sets both the read and write deadlines.
func (c *StreamConn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline sets the deadline for future Read calls.
func (c *StreamConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *StreamConn) getDeadline(which *time.Time) time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return *which
}

func (c *StreamConn) deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func (c *StreamConn) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return os.ErrDeadlineExceeded
	case errors.Is(err, buffers.ErrClosed):
		return net.ErrClosed
	}
	return err
}
