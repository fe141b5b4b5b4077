// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pcp_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/portmapper/mapper"
	"storj.io/portmapper/network"
	"storj.io/portmapper/pcp"
)

var loopback = net.IPv4(127, 0, 0, 1)

// fakeServer answers PCP requests on loopback. MAP requests are granted
// 1000 ports above the suggestion for half the requested lifetime.
type fakeServer struct {
	conn   *net.UDPConn
	result atomic.Uint32
	epoch  atomic.Uint32

	mu       sync.Mutex
	requests []pcp.Request
}

func newFakeServer(t *testing.T) *fakeServer {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	s := &fakeServer{conn: conn}
	s.epoch.Store(1000)
	t.Cleanup(func() { _ = conn.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) port() int { return s.conn.LocalAddr().(*net.UDPAddr).Port }

func (s *fakeServer) received() []pcp.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pcp.Request(nil), s.requests...)
}

func (s *fakeServer) serve() {
	buf := make([]byte, pcp.MaxMessageSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := pcp.DecodeRequest(buf[:n])
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		resp := pcp.Response{
			Opcode:     req.Opcode,
			ResultCode: pcp.ResultCode(s.result.Load()),
			Lifetime:   req.Lifetime / 2,
			Epoch:      s.epoch.Load(),
		}
		if req.Map != nil {
			m := *req.Map
			if req.Lifetime > 0 {
				m.SuggestedExternalPort += 1000
				m.SuggestedExternalAddress = net.IPv4(198, 51, 100, 4)
			}
			resp.Map = &m
		}
		data, err := pcp.EncodeResponse(resp)
		if err != nil {
			continue
		}
		_, _ = s.conn.WriteToUDP(data, from)
	}
}

func newTestController(t *testing.T, server *fakeServer, opts ...pcp.Option) *pcp.Controller {
	logger := zapr.NewLogger(zaptest.NewLogger(t))
	g := network.NewGateway(network.WithLogger(logger.WithName("gateway")))
	t.Cleanup(func() { _ = g.Close() })
	opts = append([]pcp.Option{
		pcp.WithLogger(logger),
		pcp.WithRouterPort(server.port()),
		pcp.WithSchedule([]time.Duration{100 * time.Millisecond, 200 * time.Millisecond}),
	}, opts...)
	return pcp.NewController(g.Bus(), nil, loopback, loopback, opts...)
}

func TestMapRefreshUnmap(t *testing.T) {
	server := newFakeServer(t)
	c := newTestController(t, server)
	ctx := context.Background()
	require.Equal(t, "PCP 127.0.0.1", c.Name())
	require.True(t, c.SourceAddress().Equal(loopback))

	mapping, err := c.MapPort(ctx, mapper.UDP, 4500, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 4500, mapping.InternalPort)
	require.Equal(t, 5500, mapping.ExternalPort)
	require.Equal(t, 30*time.Minute, mapping.Lifetime)
	require.Equal(t, "198.51.100.4", mapping.ExternalAddress.String())
	require.Equal(t, mapper.UDP, mapping.PortType)

	refreshed, err := c.RefreshPort(ctx, mapping, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 6500, refreshed.ExternalPort)

	require.NoError(t, c.UnmapPort(ctx, refreshed))

	requests := server.received()
	require.Len(t, requests, 3)
	for _, req := range requests {
		require.Equal(t, pcp.OpMap, req.Opcode)
		require.True(t, req.ClientAddress.Equal(loopback))
		require.EqualValues(t, pcp.ProtocolUDP, req.Map.Protocol)
		// refresh and delete repeat the nonce of the original request
		require.Equal(t, requests[0].Map.Nonce, req.Map.Nonce)
	}
	require.EqualValues(t, 3600, requests[1].Lifetime)
	require.EqualValues(t, 5500, requests[1].Map.SuggestedExternalPort)
	require.Zero(t, requests[2].Lifetime)

	// a new mapping of the same port gets a new nonce
	_, err = c.MapPort(ctx, mapper.UDP, 4500, time.Hour)
	require.NoError(t, err)
	requests = server.received()
	require.NotEqual(t, requests[0].Map.Nonce, requests[3].Map.Nonce)
}

func TestPreferFailureOption(t *testing.T) {
	server := newFakeServer(t)
	c := newTestController(t, server, pcp.WithPreferFailure())

	_, err := c.MapPort(context.Background(), mapper.TCP, 22, time.Minute)
	require.NoError(t, err)
	requests := server.received()
	require.Len(t, requests, 1)
	require.Len(t, requests[0].Options, 1)
	require.Equal(t, pcp.OptionPreferFailure, requests[0].Options[0].Code)
}

func TestServerRefusal(t *testing.T) {
	server := newFakeServer(t)
	server.result.Store(uint32(pcp.NotAuthorized))
	c := newTestController(t, server)

	_, err := c.MapPort(context.Background(), mapper.TCP, 8080, time.Hour)
	var resultErr *mapper.ResultError
	require.True(t, errors.As(err, &resultErr), "got %v", err)
	require.Equal(t, "PCP", resultErr.Protocol)
	require.Equal(t, int(pcp.NotAuthorized), resultErr.Code)
}

func TestAnnounce(t *testing.T) {
	server := newFakeServer(t)
	c := newTestController(t, server)

	resp, err := c.Announce(context.Background())
	require.NoError(t, err)
	require.Equal(t, pcp.OpAnnounce, resp.Opcode)
	require.EqualValues(t, 1000, resp.Epoch)

	// a restarted server reports a smaller epoch; the controller keeps working
	server.epoch.Store(3)
	resp, err = c.Announce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, resp.Epoch)
}

func TestNoServer(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	defer func() { _ = silent.Close() }()

	g := network.NewGateway()
	defer func() { _ = g.Close() }()
	c := pcp.NewController(g.Bus(), nil, loopback, loopback,
		pcp.WithLogger(zapr.NewLogger(zaptest.NewLogger(t))),
		pcp.WithRouterPort(silent.LocalAddr().(*net.UDPAddr).Port),
		pcp.WithSchedule([]time.Duration{50 * time.Millisecond}))

	_, err = c.MapPort(context.Background(), mapper.TCP, 8080, time.Hour)
	require.ErrorIs(t, err, mapper.ErrNoResponse)

	_, err = c.MapPort(context.Background(), mapper.TCP, 0, time.Hour)
	require.Error(t, err)
	_, err = c.MapPort(context.Background(), mapper.TCP, 8080, time.Millisecond)
	require.Error(t, err)
}
