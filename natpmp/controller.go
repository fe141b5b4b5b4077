// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package natpmp speaks NAT-PMP (RFC 6886) to a router through the UDP
// engine.
package natpmp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"storj.io/portmapper/bus"
	"storj.io/portmapper/mapper"
	"storj.io/portmapper/routes"
	"storj.io/portmapper/udpengine"
)

// DefaultSchedule is the retransmission schedule RFC 6886 asks for,
// shortened to six attempts.
var DefaultSchedule = udpengine.ExponentialSchedule(250*time.Millisecond, 6)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock sets the time source for retransmissions.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithSchedule replaces DefaultSchedule.
func WithSchedule(schedule []time.Duration) Option {
	return func(c *Controller) { c.schedule = schedule }
}

// WithEngineMetrics sets the engine collectors requests are counted in.
func WithEngineMetrics(m *udpengine.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRouterPort replaces the NAT-PMP server port.
func WithRouterPort(port int) Option {
	return func(c *Controller) { c.port = port }
}

// WithRoutesOptions passes options to the default gateway lookup used when
// the controller is not given a router address.
func WithRoutesOptions(opts ...routes.Option) Option {
	return func(c *Controller) { c.routesOpts = opts }
}

// Controller maps ports on one NAT-PMP router.
type Controller struct {
	networkBus *bus.Bus
	processBus *bus.Bus
	source     net.IP
	port       int

	logger     logr.Logger
	clock      clock.Clock
	schedule   []time.Duration
	metrics    *udpengine.Metrics
	routesOpts []routes.Option

	mu      sync.Mutex
	gateway net.IP
}

var _ mapper.PortMapper = (*Controller)(nil)

// NewController returns a controller for the router at gateway, talking
// from source. A nil gateway is resolved on first use from the host's
// default route, using processBus to run route table commands. A nil
// source lets the OS pick.
func NewController(networkBus, processBus *bus.Bus, gateway, source net.IP, opts ...Option) *Controller {
	c := &Controller{
		networkBus: networkBus,
		processBus: processBus,
		gateway:    gateway,
		source:     source,
		port:       Port,
		logger:     logr.Discard(),
		clock:      clock.New(),
		schedule:   DefaultSchedule,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SourceAddress returns the local address requests are sent from.
func (c *Controller) SourceAddress() net.IP { return c.source }

// Name identifies the controller.
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway == nil {
		return "NAT-PMP"
	}
	return "NAT-PMP " + c.gateway.String()
}

func (c *Controller) router(ctx context.Context) (*net.UDPAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway == nil {
		gateways, err := routes.DefaultGateways(ctx, c.processBus, append([]routes.Option{routes.WithLogger(c.logger)}, c.routesOpts...)...)
		if err != nil {
			return nil, fmt.Errorf("natpmp: %w", err)
		}
		c.gateway = gateways[0]
		c.logger.V(1).Info("using default gateway", "gateway", c.gateway.String())
	}
	return &net.UDPAddr{IP: c.gateway, Port: c.port}, nil
}

func (c *Controller) engineOptions() []udpengine.Option {
	opts := []udpengine.Option{udpengine.WithClock(c.clock), udpengine.WithLogger(c.logger.WithName("engine"))}
	if c.metrics != nil {
		opts = append(opts, udpengine.WithMetrics(c.metrics))
	}
	return opts
}

// ExternalAddress asks the router for its public address.
func (c *Controller) ExternalAddress(ctx context.Context) (net.IP, error) {
	dest, err := c.router(ctx)
	if err != nil {
		return nil, err
	}
	results, err := udpengine.PerformUDPRequests(ctx, c.networkBus,
		[]udpengine.Exchange[ExternalAddressRequest, ExternalAddressResponse]{{
			Source:      c.source,
			Destination: dest,
			Encode:      EncodeExternalAddressRequest,
			Decode:      DecodeExternalAddressResponse,
		}}, c.schedule, c.engineOptions()...)
	if err != nil {
		return nil, err
	}
	if !results[0].Ok {
		return nil, mapper.ErrNoResponse
	}
	resp := results[0].Response
	if err := resp.ResultCode.Err(); err != nil {
		return nil, err
	}
	return net.IP(resp.ExternalIPAddress[:]).To16(), nil
}

func (c *Controller) requestMapping(ctx context.Context, req MapRequest) (MapResponse, error) {
	dest, err := c.router(ctx)
	if err != nil {
		return MapResponse{}, err
	}
	results, err := udpengine.PerformUDPRequests(ctx, c.networkBus,
		[]udpengine.Exchange[MapRequest, MapResponse]{{
			Source:      c.source,
			Destination: dest,
			Request:     req,
			Encode:      EncodeMapRequest,
			Decode:      DecodeMapResponse,
		}}, c.schedule, c.engineOptions()...)
	if err != nil {
		return MapResponse{}, err
	}
	if !results[0].Ok {
		return MapResponse{}, mapper.ErrNoResponse
	}
	resp := results[0].Response
	if err := resp.ResultCode.Err(); err != nil {
		return MapResponse{}, err
	}
	return resp, nil
}

// MapPort asks the router to forward internalPort, preferring the same
// external port.
func (c *Controller) MapPort(ctx context.Context, portType mapper.PortType, internalPort int, lifetime time.Duration) (mapper.MappedPort, error) {
	return c.mapPort(ctx, portType, internalPort, internalPort, lifetime)
}

// RefreshPort renews mapping, asking to keep its external port.
func (c *Controller) RefreshPort(ctx context.Context, mapping mapper.MappedPort, lifetime time.Duration) (mapper.MappedPort, error) {
	return c.mapPort(ctx, mapping.PortType, mapping.InternalPort, mapping.ExternalPort, lifetime)
}

func (c *Controller) mapPort(ctx context.Context, portType mapper.PortType, internalPort, externalPort int, lifetime time.Duration) (mapper.MappedPort, error) {
	if err := checkPort(internalPort); err != nil {
		return mapper.MappedPort{}, err
	}
	if err := checkPort(externalPort); err != nil {
		return mapper.MappedPort{}, err
	}
	if lifetime < time.Second {
		return mapper.MappedPort{}, fmt.Errorf("natpmp: lifetime %v too short", lifetime)
	}
	resp, err := c.requestMapping(ctx, MapRequest{
		PortType:              portType,
		InternalPort:          uint16(internalPort),
		SuggestedExternalPort: uint16(externalPort),
		Lifetime:              uint32(lifetime / time.Second),
	})
	if err != nil {
		return mapper.MappedPort{}, err
	}
	mapping := mapper.MappedPort{
		InternalPort: int(resp.InternalPort),
		ExternalPort: int(resp.MappedExternalPort),
		PortType:     portType,
		Lifetime:     time.Duration(resp.PortMappingLifetimeInSeconds) * time.Second,
	}
	// mapping responses do not carry the public address
	if ip, err := c.ExternalAddress(ctx); err == nil {
		mapping.ExternalAddress = ip
	} else {
		c.logger.Info("mapped port but could not learn external address", "error", err.Error())
	}
	c.logger.V(1).Info("mapped port", "mapping", mapping.String())
	return mapping, nil
}

// UnmapPort deletes mapping.
func (c *Controller) UnmapPort(ctx context.Context, mapping mapper.MappedPort) error {
	if err := checkPort(mapping.InternalPort); err != nil {
		return err
	}
	_, err := c.requestMapping(ctx, MapRequest{
		PortType:     mapping.PortType,
		InternalPort: uint16(mapping.InternalPort),
	})
	return err
}

func checkPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("natpmp: invalid port %d", port)
	}
	return nil
}
