// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package process_test

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/portmapper/bus"
	"storj.io/portmapper/process"
)

func newTestGateway(t *testing.T) *process.Gateway {
	if runtime.GOOS == "windows" {
		t.Skip("tests use a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh in PATH")
	}
	g := process.NewGateway(process.WithLogger(zapr.NewLogger(zaptest.NewLogger(t))))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestRunCapturesOutput(t *testing.T) {
	g := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := process.Run(ctx, g.Bus(), "sh", "-c", "echo default via 10.0.0.1; echo oops >&2; exit 3")
	require.NoError(t, err)
	require.Equal(t, "default via 10.0.0.1\n", string(resp.Stdout))
	require.Equal(t, "oops\n", string(resp.Stderr))
	require.Equal(t, 3, resp.ExitCode)
}

func TestRunMissingExecutable(t *testing.T) {
	g := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := process.Run(ctx, g.Bus(), "definitely-not-a-real-program-7d1f")
	var errResp process.ErrorResponse
	require.True(t, errors.As(err, &errResp), "got %v", err)
	require.Equal(t, "definitely-not-a-real-program-7d1f", errResp.Request.Executable)
}

func TestConcurrentRunsKeepTheirIDs(t *testing.T) {
	g := newTestGateway(t)
	replies := bus.New()
	defer func() { _ = replies.Close() }()

	g.Bus().Send(process.RunRequest{ID: 1, Bus: replies, Executable: "sh", Args: []string{"-c", "sleep 0.2; echo slow"}})
	g.Bus().Send(process.RunRequest{ID: 2, Bus: replies, Executable: "sh", Args: []string{"-c", "echo fast"}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := map[int]string{}
	for len(got) < 2 {
		msg, err := replies.Receive(ctx)
		require.NoError(t, err)
		resp := msg.(process.RunResponse)
		got[resp.ID] = string(resp.Stdout)
	}
	require.Equal(t, map[int]string{1: "slow\n", 2: "fast\n"}, got)
}

func TestKillStopsRuns(t *testing.T) {
	g := newTestGateway(t)
	replies := bus.New()
	defer func() { _ = replies.Close() }()

	g.Bus().Send(process.RunRequest{ID: 7, Bus: replies, Executable: "sh", Args: []string{"-c", "sleep 30"}})
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, g.Close())
	require.Less(t, time.Since(start), 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := replies.Receive(ctx)
	require.NoError(t, err)
	errResp, ok := msg.(process.ErrorResponse)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, 7, errResp.ID)
	require.ErrorIs(t, errResp, process.ErrGatewayClosed)
}
