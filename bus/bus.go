// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package bus provides the mailbox used for all cross-goroutine
// communication between callers and gateways.
package bus

import (
	"context"
	"errors"
	"sync"

	events "github.com/docker/go-events"
)

var (
	// ErrClosed is returned by Receive once the bus has been closed.
	ErrClosed = errors.New("bus: closed")
	// ErrPeerClosed is returned by ReceiveFrom once the bus the awaited
	// replies come from has been closed.
	ErrPeerClosed = errors.New("bus: peer closed")
)

// Bus is an ordered, unbounded, multi-producer mailbox. Send never blocks
// the sender; messages sent by one goroutine are received in send order.
//
// A Bus is drained by exactly one consumer, either through C() in a select
// statement or through Receive.
type Bus struct {
	// queue holds everything that has been sent but not yet handed to the
	// consumer. It is unbounded, so a slow consumer only costs memory.
	queue *events.Queue
	// sink is the consumer-facing end of the queue.
	sink *events.Channel

	closeOnce sync.Once
}

// New creates an empty bus.
func New() *Bus {
	sink := events.NewChannel(0)
	return &Bus{
		queue: events.NewQueue(sink),
		sink:  sink,
	}
}

// Send appends msg to the tail of the bus. Sending nil is a programming
// error and panics. Messages sent after Close are dropped.
func (b *Bus) Send(msg interface{}) {
	if msg == nil {
		panic("bus: nil message")
	}
	// the only possible error is ErrSinkClosed, meaning the owner is gone
	_ = b.queue.Write(msg)
}

// C returns the receive side of the bus.
func (b *Bus) C() <-chan events.Event {
	return b.sink.C
}

// Done is closed once the bus has been closed.
func (b *Bus) Done() <-chan struct{} {
	return b.sink.Done()
}

// Receive blocks until a message is available, the context is done or the
// bus is closed.
func (b *Bus) Receive(ctx context.Context) (interface{}, error) {
	select {
	case msg := <-b.sink.C:
		return msg, nil
	case <-b.sink.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveFrom is Receive for replies to messages sent to peer. It also
// returns once peer is closed, since nothing sent to it will be answered
// anymore.
func (b *Bus) ReceiveFrom(ctx context.Context, peer *Bus) (interface{}, error) {
	select {
	case msg := <-b.sink.C:
		return msg, nil
	default:
	}
	select {
	case msg := <-b.sink.C:
		return msg, nil
	case <-b.sink.Done():
		return nil, ErrClosed
	case <-peer.sink.Done():
		return nil, ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close discards any pending messages and stops accepting new ones. It is
// safe to call Close more than once.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		// closing the sink first makes the queue flush fail fast instead of
		// waiting for a consumer that may never come back
		_ = b.sink.Close()
		err = b.queue.Close()
	})
	return err
}
