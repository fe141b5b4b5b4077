// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package buffers holds the byte buffering used where bus messages have to
// be turned back into a byte stream.
package buffers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrClosed is returned from operations on a buffer closed with Close.
	ErrClosed = errors.New("sync buffer is closed")
	// ErrReaderAlreadyWaiting is returned when a second goroutine tries to
	// wait for data while another one is already waiting.
	ErrReaderAlreadyWaiting = errors.New("a reader is already waiting")
	// ErrWriterAlreadyWaiting is returned when a second goroutine tries to
	// wait for space while another one is already waiting.
	ErrWriterAlreadyWaiting = errors.New("a writer is already waiting")
)

// SyncCircularBuffer is a fixed-size ring of bytes with one producer and
// one consumer. The producer blocks while the ring is full and the consumer
// blocks while it is empty. Once the producer finishes with CloseWrite, the
// consumer drains what is left and then gets the finishing error (io.EOF
// for a clean finish).
type SyncCircularBuffer struct {
	lock   sync.Mutex
	buffer []byte

	readWaiter  chan struct{}
	writeWaiter chan struct{}

	start int
	used  int

	// writeErr is set by CloseWrite. Reads return it once the ring is empty.
	writeErr error
	closed   bool
}

// NewSyncBuffer creates a ring holding at most size bytes.
func NewSyncBuffer(size int) *SyncCircularBuffer {
	if size <= 0 {
		panic(fmt.Sprintf("invalid buffer size %d", size))
	}
	return &SyncCircularBuffer{
		buffer: make([]byte, size),
	}
}

// Append adds all of data to the ring, waiting for space as needed. Data
// larger than the ring is appended in pieces as the consumer frees room.
func (sb *SyncCircularBuffer) Append(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n, err := sb.tryAppend(data)
		if err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
		waitForSpace, err := sb.waitFor(&sb.writeWaiter, ErrWriterAlreadyWaiting, func() bool {
			return sb.used < len(sb.buffer)
		})
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			sb.cancelWait(&sb.writeWaiter, waitForSpace)
			return ctx.Err()
		case <-waitForSpace:
		}
	}
	return nil
}

// Consume reads up to len(data) bytes, waiting until at least one byte is
// available. It returns the CloseWrite error once the ring is drained.
func (sb *SyncCircularBuffer) Consume(ctx context.Context, data []byte) (n int, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	for {
		n, err := sb.tryConsume(data)
		if n > 0 || err != nil {
			return n, err
		}
		waitForBytes, err := sb.waitFor(&sb.readWaiter, ErrReaderAlreadyWaiting, func() bool {
			return sb.used > 0 || sb.writeErr != nil
		})
		if err != nil {
			return 0, err
		}
		select {
		case <-ctx.Done():
			sb.cancelWait(&sb.readWaiter, waitForBytes)
			return 0, ctx.Err()
		case <-waitForBytes:
		}
	}
}

// CloseWrite marks the end of the produced data. A nil err is recorded as
// io.EOF. Only the first call has an effect.
func (sb *SyncCircularBuffer) CloseWrite(err error) {
	if err == nil {
		err = io.EOF
	}
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.writeErr == nil {
		sb.writeErr = err
	}
	sb.wake(&sb.readWaiter)
}

// Close releases all waiters; every later operation returns ErrClosed.
func (sb *SyncCircularBuffer) Close() {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	sb.closed = true
	sb.wake(&sb.readWaiter)
	sb.wake(&sb.writeWaiter)
}

// SpaceUsed returns the number of buffered bytes.
func (sb *SyncCircularBuffer) SpaceUsed() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.used
}

// SpaceAvailable returns how many bytes can be appended without waiting.
func (sb *SyncCircularBuffer) SpaceAvailable() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return len(sb.buffer) - sb.used
}

func (sb *SyncCircularBuffer) tryAppend(data []byte) (n int, err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.closed {
		return 0, ErrClosed
	}
	if sb.writeErr != nil {
		return 0, fmt.Errorf("append after CloseWrite: %w", ErrClosed)
	}
	for n < len(data) && sb.used < len(sb.buffer) {
		end := (sb.start + sb.used) % len(sb.buffer)
		chunk := len(sb.buffer) - end
		if free := len(sb.buffer) - sb.used; chunk > free {
			chunk = free
		}
		copied := copy(sb.buffer[end:end+chunk], data[n:])
		n += copied
		sb.used += copied
	}
	if n > 0 {
		sb.wake(&sb.readWaiter)
	}
	return n, nil
}

func (sb *SyncCircularBuffer) tryConsume(data []byte) (n int, err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.closed {
		return 0, ErrClosed
	}
	if sb.used == 0 {
		return 0, sb.writeErr
	}
	for n < len(data) && sb.used > 0 {
		chunk := len(sb.buffer) - sb.start
		if chunk > sb.used {
			chunk = sb.used
		}
		copied := copy(data[n:], sb.buffer[sb.start:sb.start+chunk])
		n += copied
		sb.used -= copied
		sb.start = (sb.start + copied) % len(sb.buffer)
	}
	if sb.used == 0 {
		// keep future appends contiguous
		sb.start = 0
	}
	sb.wake(&sb.writeWaiter)
	return n, nil
}

// waitFor registers a waiter in slot. The returned channel is closed once
// ready() holds, or right away if it already does.
func (sb *SyncCircularBuffer) waitFor(slot *chan struct{}, busyErr error, ready func() bool) (<-chan struct{}, error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.closed {
		return nil, ErrClosed
	}
	if *slot != nil {
		return nil, busyErr
	}
	w := make(chan struct{})
	if ready() {
		close(w)
		return w, nil
	}
	*slot = w
	return w, nil
}

func (sb *SyncCircularBuffer) cancelWait(slot *chan struct{}, waitChan <-chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if *slot != nil && (<-chan struct{})(*slot) == waitChan {
		*slot = nil
	}
}

// wake must be called with the lock held.
func (sb *SyncCircularBuffer) wake(slot *chan struct{}) {
	if *slot != nil {
		close(*slot)
		*slot = nil
	}
}
