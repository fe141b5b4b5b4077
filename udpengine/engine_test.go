// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package udpengine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"storj.io/portmapper/network"
	"storj.io/portmapper/udpengine"
)

// use -10 for the most detail
const logLevel = 0

var loopback = net.IPv4(127, 0, 0, 1)

func newTestLogger(t *testing.T) logr.Logger {
	return zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.Level(logLevel))))
}

func newTestGateway(t *testing.T, logger logr.Logger, metrics *network.Metrics) *network.Gateway {
	g := network.NewGateway(network.WithLogger(logger.WithName("gateway")), network.WithMetrics(metrics))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// responder is a loopback UDP peer. reply is called with the 1-based count
// of datagrams received so far and returns the datagrams to send back.
type responder struct {
	conn     *net.UDPConn
	received atomic.Int32
}

func newResponder(t *testing.T, reply func(n int, data []byte) [][]byte) *responder {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	r := &responder{conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			count := int(r.received.Add(1))
			for _, out := range reply(count, buf[:n]) {
				_, _ = conn.WriteToUDP(out, from)
			}
		}
	}()
	return r
}

func (r *responder) addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func encode(s string) ([]byte, error) { return []byte(s), nil }

// decode accepts only "ok:" followed by the request.
func decode(req string, data []byte) (string, error) {
	if !bytes.Equal(data, []byte("ok:"+req)) {
		return "", fmt.Errorf("not an answer to %q: %q", req, data)
	}
	return string(data), nil
}

func exchange(dest *net.UDPAddr, req string) udpengine.Exchange[string, string] {
	return udpengine.Exchange[string, string]{
		Source:      loopback,
		Destination: dest,
		Request:     req,
		Encode:      encode,
		Decode:      decode,
	}
}

func TestMalformedReplyDoesNotEndExchange(t *testing.T) {
	logger := newTestLogger(t)
	reg := prometheus.NewRegistry()
	metrics := udpengine.NewMetrics(reg)
	g := newTestGateway(t, logger, network.NewMetrics(nil))

	r := newResponder(t, func(n int, data []byte) [][]byte {
		return [][]byte{[]byte("garbage"), append([]byte("ok:"), data...)}
	})

	results, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, string]{exchange(r.addr(), "map")},
		[]time.Duration{2 * time.Second},
		udpengine.WithLogger(logger), udpengine.WithMetrics(metrics))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Ok)
	require.Equal(t, "ok:map", results[0].Response)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejected))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Answered))
}

func TestRetransmitsUntilAnswered(t *testing.T) {
	logger := newTestLogger(t)
	metrics := udpengine.NewMetrics(nil)
	g := newTestGateway(t, logger, network.NewMetrics(nil))

	r := newResponder(t, func(n int, data []byte) [][]byte {
		if n < 3 {
			return nil
		}
		return [][]byte{append([]byte("ok:"), data...)}
	})

	results, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, string]{exchange(r.addr(), "refresh")},
		udpengine.ExponentialSchedule(50*time.Millisecond, 6),
		udpengine.WithLogger(logger), udpengine.WithMetrics(metrics))
	require.NoError(t, err)
	require.True(t, results[0].Ok)
	require.EqualValues(t, 3, r.received.Load())
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Retransmitted))
}

func TestExhaustionIsBoundedBySchedule(t *testing.T) {
	logger := newTestLogger(t)
	metrics := udpengine.NewMetrics(nil)
	g := newTestGateway(t, logger, network.NewMetrics(nil))

	silent := newResponder(t, func(int, []byte) [][]byte { return nil })
	schedule := []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}

	start := time.Now()
	results, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, string]{exchange(silent.addr(), "map")},
		schedule, udpengine.WithLogger(logger), udpengine.WithMetrics(metrics))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.False(t, results[0].Ok)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
	require.EqualValues(t, len(schedule), silent.received.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Exhausted))
}

func TestConcurrentExchangesShareSocket(t *testing.T) {
	logger := newTestLogger(t)
	netMetrics := network.NewMetrics(nil)
	g := newTestGateway(t, logger, netMetrics)

	echo := func(n int, data []byte) [][]byte { return [][]byte{append([]byte("ok:"), data...)} }
	a := newResponder(t, echo)
	b := newResponder(t, echo)
	silent := newResponder(t, func(int, []byte) [][]byte { return nil })

	exchanges := []udpengine.Exchange[string, string]{
		exchange(a.addr(), "first"),
		exchange(silent.addr(), "second"),
		exchange(b.addr(), "third"),
	}
	// the wildcard source gets a socket of its own
	exchanges[2].Source = nil

	results, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(), exchanges,
		[]time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, udpengine.WithLogger(logger))
	require.NoError(t, err)
	require.True(t, results[0].Ok)
	require.Equal(t, "ok:first", results[0].Response)
	require.False(t, results[1].Ok)
	require.True(t, results[2].Ok)
	require.Equal(t, "ok:third", results[2].Response)

	// every socket is closed by the time the call returns
	require.Zero(t, testutil.ToFloat64(netMetrics.OpenSockets.WithLabelValues("udp")))
}

func TestAnswerFromWrongSourceIgnored(t *testing.T) {
	logger := newTestLogger(t)
	g := newTestGateway(t, logger, network.NewMetrics(nil))

	impostor, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	defer func() { _ = impostor.Close() }()

	// the target stays silent; a valid-looking answer arrives from another
	// port instead
	target, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	defer func() { _ = target.Close() }()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := target.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = impostor.WriteToUDP(append([]byte("ok:"), buf[:n]...), from)
		}
	}()

	results, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, string]{exchange(target.LocalAddr().(*net.UDPAddr), "map")},
		[]time.Duration{150 * time.Millisecond},
		udpengine.WithLogger(logger))
	require.NoError(t, err)
	require.False(t, results[0].Ok)
}

func TestProbeModeAcceptsAnything(t *testing.T) {
	logger := newTestLogger(t)
	g := newTestGateway(t, logger, network.NewMetrics(nil))

	r := newResponder(t, func(int, []byte) [][]byte { return [][]byte{{0xff}} })
	results, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, []byte]{{
			Destination: r.addr(),
			Request:     "probe",
			Encode:      encode,
			Decode:      udpengine.AcceptAny[string],
		}},
		[]time.Duration{time.Second}, udpengine.WithLogger(logger))
	require.NoError(t, err)
	require.True(t, results[0].Ok)
	require.Equal(t, []byte{0xff}, results[0].Response)
}

func TestInfrastructureErrors(t *testing.T) {
	logger := newTestLogger(t)
	g := newTestGateway(t, logger, network.NewMetrics(nil))
	r := newResponder(t, func(int, []byte) [][]byte { return nil })

	_, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, string]{exchange(r.addr(), "x")}, nil)
	require.ErrorIs(t, err, udpengine.ErrNoSchedule)

	boom := errors.New("boom")
	bad := exchange(r.addr(), "x")
	bad.Encode = func(string) ([]byte, error) { return nil, boom }
	_, err = udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, string]{bad}, []time.Duration{time.Second})
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = udpengine.PerformUDPRequests(ctx, g.Bus(),
		[]udpengine.Exchange[string, string]{exchange(r.addr(), "x")}, []time.Duration{10 * time.Second})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStoppedGateway(t *testing.T) {
	logger := newTestLogger(t)
	r := newResponder(t, func(int, []byte) [][]byte { return nil })

	g := network.NewGateway(network.WithLogger(logger.WithName("gateway")))
	require.NoError(t, g.Close())

	done := make(chan error, 1)
	go func() {
		_, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
			[]udpengine.Exchange[string, string]{exchange(r.addr(), "x")},
			[]time.Duration{100 * time.Millisecond}, udpengine.WithLogger(logger))
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, network.ErrGatewayClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("engine still waiting on a stopped gateway")
	}
}

func TestGatewayStoppedMidSchedule(t *testing.T) {
	logger := newTestLogger(t)
	r := newResponder(t, func(int, []byte) [][]byte { return nil })
	g := network.NewGateway(network.WithLogger(logger.WithName("gateway")))

	go func() {
		for r.received.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		_ = g.Close()
	}()

	start := time.Now()
	results, err := udpengine.PerformUDPRequests(context.Background(), g.Bus(),
		[]udpengine.Exchange[string, string]{exchange(r.addr(), "x")},
		[]time.Duration{10 * time.Second}, udpengine.WithLogger(logger))
	require.Less(t, time.Since(start), 5*time.Second)
	// depending on which the engine sees first, the socket's teardown ends
	// the exchange unanswered or the gateway's exit ends the call
	if err == nil {
		require.False(t, results[0].Ok)
	} else {
		require.ErrorIs(t, err, network.ErrGatewayClosed)
	}
}

func TestExponentialSchedule(t *testing.T) {
	require.Equal(t, []time.Duration{
		250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second,
	}, udpengine.ExponentialSchedule(250*time.Millisecond, 4))
	require.Empty(t, udpengine.ExponentialSchedule(time.Second, 0))
}
