// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"context"
	"net"
	"strings"
	"sync"

	"storj.io/portmapper/bus"
)

type socketKind int

const (
	tcpSocket socketKind = iota
	udpSocket
)

func (k socketKind) String() string {
	if k == tcpSocket {
		return "tcp"
	}
	return "udp"
}

// interest is the set of readiness conditions an entry currently cares
// about.
type interest uint8

const (
	interestRead interest = 1 << iota
	interestConnect
	interestWrite
)

func (i interest) String() string {
	var parts []string
	if i&interestRead != 0 {
		parts = append(parts, "read")
	}
	if i&interestConnect != 0 {
		parts = append(parts, "connect")
	}
	if i&interestWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// outgoing is one queued write. addr is only set for UDP. size is the
// length of the original request, kept while partial writes shrink data.
type outgoing struct {
	addr *net.UDPAddr
	data []byte
	size int
}

// socketChannel is the handle shared between the reactor and the
// goroutines serving one socket. The goroutines only ever touch conn
// (after it is handed to them), writes and closed.
type socketChannel struct {
	kind socketKind
	conn net.Conn

	// writes carries at most one outgoing buffer at a time from the
	// reactor to the writer goroutine.
	writes chan outgoing
	// closed is closed when the reactor tears the socket down; every
	// goroutine serving the socket exits once it sees it.
	closed    chan struct{}
	closeOnce sync.Once
	// cancelDial aborts a TCP connect still in progress.
	cancelDial context.CancelFunc
}

func newSocketChannel(kind socketKind) *socketChannel {
	return &socketChannel{
		kind:   kind,
		writes: make(chan outgoing, 1),
		closed: make(chan struct{}),
	}
}

func (c *socketChannel) close() (err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancelDial != nil {
			c.cancelDial()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// socketEntry is the reactor's private record for one socket. Only the
// reactor goroutine reads or writes it.
type socketEntry struct {
	id    int
	ch    *socketChannel
	owner *bus.Bus

	interest interest
	// outgoing is drained head first; the head stays queued while it is in
	// flight on the writer goroutine.
	outgoing []outgoing
	writing  bool

	// connecting is true for TCP sockets until the connect completes.
	connecting bool
	// readFinished is set once the remote side of a TCP socket has closed
	// its write half.
	readFinished bool
	// writableNotified is set once a WriteEmptyNotification went out for
	// the current empty period.
	writableNotified bool
}

// computeInterest recomputes which readiness conditions apply to the
// entry. Queuing data restarts the empty period, so the next time the queue
// drains exactly one WriteEmptyNotification goes out.
func (e *socketEntry) computeInterest() interest {
	var i interest
	if e.ch.kind == udpSocket || !e.readFinished {
		i |= interestRead
	}
	if e.ch.kind == tcpSocket && e.connecting {
		return i | interestConnect
	}
	if len(e.outgoing) > 0 {
		e.writableNotified = false
		i |= interestWrite
	} else if !e.writableNotified {
		i |= interestWrite
	}
	return i
}
