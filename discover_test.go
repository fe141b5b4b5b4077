// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package portmapper_test

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"storj.io/portmapper"
	"storj.io/portmapper/bus"
	"storj.io/portmapper/mapper"
	"storj.io/portmapper/network"
	"storj.io/portmapper/pcp"
	"storj.io/portmapper/process"
	"storj.io/portmapper/routes"
	"storj.io/portmapper/udpengine"
	"storj.io/portmapper/upnpigd"
)

// use -10 for the most detail
const logLevel = 0

var loopback = net.IPv4(127, 0, 0, 1)

func newTestLogger(t *testing.T) logr.Logger {
	return zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.Level(logLevel))))
}

func newGateways(t *testing.T, logger logr.Logger) (networkBus, processBus *bus.Bus) {
	g := network.NewGateway(network.WithLogger(logger.WithName("network")))
	p := process.NewGateway(process.WithLogger(logger.WithName("process")))
	t.Cleanup(func() {
		_ = g.Close()
		_ = p.Close()
	})
	return g.Bus(), p.Bus()
}

// fakeRouter answers on loopback the way a router speaking NAT-PMP, and
// optionally PCP, does.
type fakeRouter struct {
	conn *net.UDPConn
}

func newFakeRouter(t *testing.T, speaksPCP bool) *fakeRouter {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, pcp.MaxMessageSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var reply []byte
			switch {
			case n == 2 && buf[0] == 0 && buf[1] == 0:
				reply = []byte{0, 128, 0, 0, 0, 0, 0, 1, 198, 51, 100, 4}
			case n >= 24 && buf[0] == pcp.Version && speaksPCP:
				req, err := pcp.DecodeRequest(buf[:n])
				if err != nil {
					continue
				}
				reply, err = pcp.EncodeResponse(pcp.Response{Opcode: req.Opcode, Epoch: 7})
				if err != nil {
					continue
				}
			case n >= 2:
				// NAT-PMP only: unsupported version, in NAT-PMP format
				reply = []byte{0, 128 + buf[1], 0, 1, 0, 0, 0, 1}
			}
			_, _ = conn.WriteToUDP(reply, from)
		}
	}()
	return &fakeRouter{conn: conn}
}

func (r *fakeRouter) port() int { return r.conn.LocalAddr().(*net.UDPAddr).Port }

func noUPnP() portmapper.Option {
	return portmapper.WithUPnPOptions(
		upnpigd.WithSources(loopback),
		upnpigd.WithSearcher(func(context.Context, net.IP, string) ([]*url.URL, error) { return nil, nil }),
	)
}

func names(mappers []mapper.PortMapper) []string {
	var out []string
	for _, m := range mappers {
		out = append(out, m.Name())
	}
	return out
}

func TestDiscoverFindsPCPAndNATPMP(t *testing.T) {
	logger := newTestLogger(t)
	networkBus, processBus := newGateways(t, logger)
	router := newFakeRouter(t, true)
	metrics := udpengine.NewMetrics(prometheus.NewRegistry())

	mappers, err := portmapper.Discover(context.Background(), networkBus, processBus,
		portmapper.WithLogger(logger),
		portmapper.WithGateways(loopback),
		portmapper.WithRouterPort(router.port()),
		portmapper.WithMetrics(metrics),
		portmapper.WithProbeSchedule([]time.Duration{200 * time.Millisecond}),
		noUPnP())
	require.NoError(t, err)
	require.Equal(t, []string{"PCP 127.0.0.1", "NAT-PMP 127.0.0.1"}, names(mappers))
	require.True(t, mappers[0].SourceAddress().Equal(loopback))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Answered))
}

func TestDiscoverNATPMPOnlyRouter(t *testing.T) {
	logger := newTestLogger(t)
	networkBus, processBus := newGateways(t, logger)
	router := newFakeRouter(t, false)

	mappers, err := portmapper.Discover(context.Background(), networkBus, processBus,
		portmapper.WithLogger(logger),
		portmapper.WithGateways(loopback),
		portmapper.WithRouterPort(router.port()),
		portmapper.WithProbeSchedule([]time.Duration{200 * time.Millisecond}),
		noUPnP())
	require.NoError(t, err)
	require.Equal(t, []string{"NAT-PMP 127.0.0.1"}, names(mappers))
}

func TestDiscoverWithoutGateways(t *testing.T) {
	logger := newTestLogger(t)
	networkBus, processBus := newGateways(t, logger)

	mappers, err := portmapper.Discover(context.Background(), networkBus, processBus,
		portmapper.WithLogger(logger),
		portmapper.WithRoutesOptions(
			routes.WithCommands(),
			routes.WithSystemLookup(func() (net.IP, error) { return nil, errors.New("no route") })),
		portmapper.WithProbeSchedule([]time.Duration{50 * time.Millisecond}),
		noUPnP())
	require.NoError(t, err)
	require.Empty(t, mappers)

	mappers, err = portmapper.Discover(context.Background(), networkBus, processBus,
		portmapper.WithNATPMP(false), portmapper.WithPCP(false), portmapper.WithUPnP(false))
	require.NoError(t, err)
	require.Empty(t, mappers)
}
