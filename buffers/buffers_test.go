// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"storj.io/portmapper/buffers"
)

func TestAppendConsumeWraps(t *testing.T) {
	ctx := context.Background()
	sb := buffers.NewSyncBuffer(8)

	require.NoError(t, sb.Append(ctx, []byte("abcdef")))
	out := make([]byte, 4)
	n, err := sb.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(out[:n]))

	// this append wraps around the end of the ring
	require.NoError(t, sb.Append(ctx, []byte("ghijkl")))
	require.Equal(t, 8, sb.SpaceUsed())
	require.Equal(t, 0, sb.SpaceAvailable())

	out = make([]byte, 16)
	n, err = sb.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "efghijkl", string(out[:n]))
}

func TestLargeTransferThroughSmallRing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sb := buffers.NewSyncBuffer(17)
	data := make([]byte, 64*1024)
	_, err := io.ReadFull(rand.Reader, data)
	require.NoError(t, err)

	var got bytes.Buffer
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for i := 0; i < len(data); i += 1000 {
			end := i + 1000
			if end > len(data) {
				end = len(data)
			}
			if err := sb.Append(ctx, data[i:end]); err != nil {
				return err
			}
		}
		sb.CloseWrite(nil)
		return nil
	})
	group.Go(func() error {
		buf := make([]byte, 13)
		for {
			n, err := sb.Consume(ctx, buf)
			got.Write(buf[:n])
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
	require.NoError(t, group.Wait())
	require.Equal(t, data, got.Bytes())
}

func TestCloseWriteReportsErrorAfterDrain(t *testing.T) {
	ctx := context.Background()
	sb := buffers.NewSyncBuffer(4)
	boom := errors.New("boom")

	require.NoError(t, sb.Append(ctx, []byte("xy")))
	sb.CloseWrite(boom)
	sb.CloseWrite(nil)

	out := make([]byte, 4)
	n, err := sb.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = sb.Consume(ctx, out)
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, sb.Append(ctx, []byte("z")), buffers.ErrClosed)
}

func TestConsumeHonorsContext(t *testing.T) {
	sb := buffers.NewSyncBuffer(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sb.Consume(ctx, make([]byte, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the cancelled waiter must not block the next reader
	require.NoError(t, sb.Append(context.Background(), []byte("a")))
	n, err := sb.Consume(context.Background(), make([]byte, 1))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCloseReleasesWaiters(t *testing.T) {
	sb := buffers.NewSyncBuffer(4)
	errs := make(chan error, 1)
	go func() {
		_, err := sb.Consume(context.Background(), make([]byte, 1))
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	sb.Close()
	require.ErrorIs(t, <-errs, buffers.ErrClosed)
}
