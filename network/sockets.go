// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

type eventKind int

const (
	eventConnected eventKind = iota
	eventRead
	eventReadClosed
	eventWrote
	eventFailed
)

func (k eventKind) String() string {
	switch k {
	case eventConnected:
		return "connected"
	case eventRead:
		return "read"
	case eventReadClosed:
		return "read-closed"
	case eventWrote:
		return "wrote"
	case eventFailed:
		return "failed"
	}
	return "event(" + strconv.Itoa(int(k)) + ")"
}

// event is readiness reported by a socket goroutine to the reactor.
type event struct {
	kind eventKind
	ch   *socketChannel
	conn net.Conn
	data []byte
	addr *net.UDPAddr
	n    int
	err  error
}

// emit hands ev to the reactor unless the socket has been closed.
func (g *Gateway) emit(ev event) bool {
	select {
	case g.events <- ev:
		return true
	case <-ev.ch.closed:
		return false
	}
}

func (g *Gateway) createUDP(req CreateUDPRequest) {
	lc := net.ListenConfig{Control: g.controlSocket}
	network := "udp4"
	if req.SourceAddress != nil && req.SourceAddress.To4() == nil {
		network = "udp6"
	}
	laddr := net.JoinHostPort(ipString(req.SourceAddress), strconv.Itoa(req.SourcePort))
	pc, err := lc.ListenPacket(context.Background(), network, laddr)
	if err != nil {
		g.metrics.SocketErrors.WithLabelValues(udpSocket.String()).Inc()
		req.Bus.Send(ErrorResponse{ID: req.ID, Request: req, Err: err})
		return
	}
	conn := pc.(*net.UDPConn)

	ch := newSocketChannel(udpSocket)
	ch.conn = conn
	e := &socketEntry{id: req.ID, ch: ch, owner: req.Bus}
	local := conn.LocalAddr().(*net.UDPAddr)
	g.logger.V(1).Info("udp socket created", "id", req.ID, "local", local.String())
	req.Bus.Send(CreateUDPResponse{ID: req.ID, LocalAddress: local})
	g.startWorkers(ch)
	g.register(e)
}

func (g *Gateway) createTCP(req CreateTCPRequest) {
	ch := newSocketChannel(tcpSocket)
	dialCtx, cancel := context.WithCancel(context.Background())
	ch.cancelDial = cancel
	e := &socketEntry{id: req.ID, ch: ch, owner: req.Bus, connecting: true}

	dialer := net.Dialer{Control: g.controlSocket}
	if req.SourceAddress != nil && !req.SourceAddress.IsUnspecified() {
		dialer.LocalAddr = &net.TCPAddr{IP: req.SourceAddress}
	}
	raddr := net.JoinHostPort(req.DestinationAddress.String(), strconv.Itoa(req.DestinationPort))

	req.Bus.Send(CreateTCPResponse{ID: req.ID})
	g.register(e)
	g.logger.V(1).Info("tcp socket connecting", "id", req.ID, "remote", raddr)

	g.workers.Add(1)
	go func() {
		defer g.workers.Done()
		conn, err := dialer.DialContext(dialCtx, "tcp", raddr)
		if err != nil {
			g.emit(event{kind: eventFailed, ch: ch, err: fmt.Errorf("connect to %s: %w", raddr, err)})
			return
		}
		if !g.emit(event{kind: eventConnected, ch: ch, conn: conn}) {
			_ = conn.Close()
		}
	}()
}

// startWorkers starts the reader and writer goroutines once ch.conn is set.
func (g *Gateway) startWorkers(ch *socketChannel) {
	// conn is captured here so the goroutines never read ch.conn, which
	// the reactor owns
	conn := ch.conn
	g.workers.Add(2)
	go func() {
		defer g.workers.Done()
		if ch.kind == udpSocket {
			g.readUDP(ch, conn.(*net.UDPConn))
		} else {
			g.readTCP(ch, conn)
		}
	}()
	go func() {
		defer g.workers.Done()
		g.write(ch, conn)
	}()
}

func (g *Gateway) readTCP(ch *socketChannel, conn net.Conn) {
	buf := make([]byte, g.readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !g.emit(event{kind: eventRead, ch: ch, data: data}) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			g.emit(event{kind: eventReadClosed, ch: ch})
			return
		}
		if err != nil {
			g.emit(event{kind: eventFailed, ch: ch, err: fmt.Errorf("read: %w", err)})
			return
		}
	}
}

func (g *Gateway) readUDP(ch *socketChannel, conn *net.UDPConn) {
	buf := make([]byte, g.readBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			g.emit(event{kind: eventFailed, ch: ch, err: fmt.Errorf("read: %w", err)})
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !g.emit(event{kind: eventRead, ch: ch, data: data, addr: addr}) {
			return
		}
	}
}

func (g *Gateway) write(ch *socketChannel, conn net.Conn) {
	for {
		var out outgoing
		select {
		case out = <-ch.writes:
		case <-ch.closed:
			return
		}
		var n int
		var err error
		if out.addr != nil {
			n, err = conn.(*net.UDPConn).WriteToUDP(out.data, out.addr)
		} else {
			n, err = conn.Write(out.data)
		}
		if err != nil {
			g.emit(event{kind: eventFailed, ch: ch, err: fmt.Errorf("write: %w", err)})
			return
		}
		if !g.emit(event{kind: eventWrote, ch: ch, n: n}) {
			return
		}
	}
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
