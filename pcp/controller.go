// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pcp speaks the Port Control Protocol (RFC 6887) to a router
// through the UDP engine.
package pcp

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
	"storj.io/portmapper/network"
	"storj.io/portmapper/routes"
	"storj.io/portmapper/udpengine"
)

// DefaultSchedule is the retransmission schedule used for every request.
var DefaultSchedule = []time.Duration{
	250 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

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

// WithRouterPort replaces the PCP server port.
func WithRouterPort(port int) Option {
	return func(c *Controller) { c.port = port }
}

// WithRoutesOptions passes options to the default gateway lookup used when
// the controller is not given a router address.
func WithRoutesOptions(opts ...routes.Option) Option {
	return func(c *Controller) { c.routesOpts = opts }
}

// WithPreferFailure makes MAP requests fail instead of accepting an
// external port other than the one suggested.
func WithPreferFailure() Option {
	return func(c *Controller) { c.preferFailure = true }
}

type mappingKey struct {
	portType     mapper.PortType
	internalPort int
}

// Controller maps ports on one PCP server.
type Controller struct {
	networkBus *bus.Bus
	processBus *bus.Bus
	port       int

	logger        logr.Logger
	clock         clock.Clock
	schedule      []time.Duration
	metrics       *udpengine.Metrics
	routesOpts    []routes.Option
	preferFailure bool

	mu      sync.Mutex
	gateway net.IP
	source  net.IP
	// nonces remembers the nonce of every live mapping; the server only
	// accepts refreshes and deletes that repeat it.
	nonces map[mappingKey]Nonce
	// epoch is the last server epoch seen, used to notice server restarts.
	epoch     uint32
	epochSeen bool
}

var _ mapper.PortMapper = (*Controller)(nil)

// NewController returns a controller for the PCP server at gateway,
// talking from source. A nil gateway is resolved on first use from the
// host's default route, using processBus to run route table commands. A
// nil source is replaced by a local address of the gateway's family.
func NewController(networkBus, processBus *bus.Bus, gateway, source net.IP, opts ...Option) *Controller {
	c := &Controller{
		networkBus: networkBus,
		processBus: processBus,
		port:       Port,
		gateway:    gateway,
		source:     source,
		logger:     logr.Discard(),
		clock:      clock.New(),
		schedule:   DefaultSchedule,
		nonces:     make(map[mappingKey]Nonce),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SourceAddress returns the local address requests are sent from.
func (c *Controller) SourceAddress() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Name identifies the controller.
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway == nil {
		return "PCP"
	}
	return "PCP " + c.gateway.String()
}

// endpoints resolves the router and the source address. PCP carries the
// client address inside the request, so an unspecified source will not do.
func (c *Controller) endpoints(ctx context.Context) (router *net.UDPAddr, source net.IP, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway == nil {
		gateways, err := routes.DefaultGateways(ctx, c.processBus, append([]routes.Option{routes.WithLogger(c.logger)}, c.routesOpts...)...)
		if err != nil {
			return nil, nil, fmt.Errorf("pcp: %w", err)
		}
		c.gateway = gateways[0]
	}
	if c.source == nil || c.source.IsUnspecified() {
		c.source, err = c.localAddress(ctx, c.gateway.To4() != nil)
		if err != nil {
			return nil, nil, err
		}
		c.logger.V(1).Info("using local address", "source", c.source.String())
	}
	return &net.UDPAddr{IP: c.gateway, Port: c.port}, c.source, nil
}

func (c *Controller) localAddress(ctx context.Context, ipv4 bool) (net.IP, error) {
	replies := bus.New()
	defer func() { _ = replies.Close() }()
	c.networkBus.Send(network.GetLocalIPAddressesRequest{Bus: replies})
	msg, err := replies.Receive(ctx)
	if err != nil {
		return nil, err
	}
	switch msg := msg.(type) {
	case network.GetLocalIPAddressesResponse:
		for _, ip := range msg.Addresses {
			if (ip.To4() != nil) == ipv4 && !ip.IsLinkLocalUnicast() {
				return ip, nil
			}
		}
		return nil, fmt.Errorf("pcp: no usable local address")
	case network.ErrorResponse:
		return nil, fmt.Errorf("pcp: listing local addresses: %w", msg.Err)
	}
	return nil, fmt.Errorf("pcp: unexpected reply %T", msg)
}

func (c *Controller) engineOptions() []udpengine.Option {
	opts := []udpengine.Option{udpengine.WithClock(c.clock), udpengine.WithLogger(c.logger.WithName("engine"))}
	if c.metrics != nil {
		opts = append(opts, udpengine.WithMetrics(c.metrics))
	}
	return opts
}

// perform sends req and returns the successful response.
func (c *Controller) perform(ctx context.Context, router *net.UDPAddr, source net.IP, req Request) (Response, error) {
	results, err := udpengine.PerformUDPRequests(ctx, c.networkBus,
		[]udpengine.Exchange[Request, Response]{{
			Source:      source,
			Destination: router,
			Request:     req,
			Encode:      EncodeRequest,
			Decode:      DecodeResponseFor,
		}}, c.schedule, c.engineOptions()...)
	if err != nil {
		return Response{}, err
	}
	if !results[0].Ok {
		return Response{}, mapper.ErrNoResponse
	}
	resp := results[0].Response
	c.observeEpoch(resp.Epoch)
	if err := resp.ResultCode.Err(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// observeEpoch logs when the server's epoch goes backwards, which means it
// lost its mapping state.
func (c *Controller) observeEpoch(epoch uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochSeen && epoch < c.epoch {
		c.logger.Info("PCP server restarted, mappings need to be recreated", "previous-epoch", c.epoch, "epoch", epoch)
	}
	c.epoch = epoch
	c.epochSeen = true
}

// Announce sends an ANNOUNCE request and returns the server's answer. It
// is mostly useful to learn whether a PCP server is present.
func (c *Controller) Announce(ctx context.Context) (Response, error) {
	router, source, err := c.endpoints(ctx)
	if err != nil {
		return Response{}, err
	}
	return c.perform(ctx, router, source, Request{Opcode: OpAnnounce, ClientAddress: source})
}

func protocolFor(t mapper.PortType) (uint8, error) {
	switch t {
	case mapper.TCP:
		return ProtocolTCP, nil
	case mapper.UDP:
		return ProtocolUDP, nil
	}
	return 0, fmt.Errorf("pcp: cannot map port type %v", t)
}

func (c *Controller) nonceFor(key mappingKey, fresh bool) (Nonce, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nonces[key]; ok && !fresh {
		return n, nil
	}
	n, err := NewNonce()
	if err != nil {
		return Nonce{}, err
	}
	c.nonces[key] = n
	return n, nil
}

// MapPort asks the server to forward internalPort, suggesting the same
// external port.
func (c *Controller) MapPort(ctx context.Context, portType mapper.PortType, internalPort int, lifetime time.Duration) (mapper.MappedPort, error) {
	return c.mapPort(ctx, portType, internalPort, internalPort, nil, lifetime, true)
}

// RefreshPort renews mapping with the nonce it was created with.
func (c *Controller) RefreshPort(ctx context.Context, mapping mapper.MappedPort, lifetime time.Duration) (mapper.MappedPort, error) {
	return c.mapPort(ctx, mapping.PortType, mapping.InternalPort, mapping.ExternalPort, mapping.ExternalAddress, lifetime, false)
}

func (c *Controller) mapPort(ctx context.Context, portType mapper.PortType, internalPort, externalPort int, externalAddr net.IP, lifetime time.Duration, fresh bool) (mapper.MappedPort, error) {
	if internalPort <= 0 || internalPort > 65535 || externalPort < 0 || externalPort > 65535 {
		return mapper.MappedPort{}, fmt.Errorf("pcp: invalid ports %d -> %d", internalPort, externalPort)
	}
	if lifetime < time.Second {
		return mapper.MappedPort{}, fmt.Errorf("pcp: lifetime %v too short", lifetime)
	}
	protocol, err := protocolFor(portType)
	if err != nil {
		return mapper.MappedPort{}, err
	}
	router, source, err := c.endpoints(ctx)
	if err != nil {
		return mapper.MappedPort{}, err
	}
	key := mappingKey{portType: portType, internalPort: internalPort}
	nonce, err := c.nonceFor(key, fresh)
	if err != nil {
		return mapper.MappedPort{}, err
	}
	if externalAddr == nil {
		externalAddr = unspecifiedLike(source)
	}
	req := Request{
		Opcode:        OpMap,
		Lifetime:      uint32(lifetime / time.Second),
		ClientAddress: source,
		Map: &MapData{
			Nonce:                    nonce,
			Protocol:                 protocol,
			InternalPort:             uint16(internalPort),
			SuggestedExternalPort:    uint16(externalPort),
			SuggestedExternalAddress: externalAddr,
		},
	}
	if c.preferFailure {
		req.Options = append(req.Options, PreferFailure())
	}
	resp, err := c.perform(ctx, router, source, req)
	if err != nil {
		return mapper.MappedPort{}, err
	}
	mapping := mapper.MappedPort{
		InternalPort:    int(resp.Map.InternalPort),
		ExternalPort:    int(resp.Map.SuggestedExternalPort),
		ExternalAddress: resp.Map.SuggestedExternalAddress,
		PortType:        portType,
		Lifetime:        time.Duration(resp.Lifetime) * time.Second,
	}
	c.logger.V(1).Info("mapped port", "mapping", mapping.String())
	return mapping, nil
}

// UnmapPort deletes mapping by repeating its MAP request with a zero
// lifetime.
func (c *Controller) UnmapPort(ctx context.Context, mapping mapper.MappedPort) error {
	protocol, err := protocolFor(mapping.PortType)
	if err != nil {
		return err
	}
	router, source, err := c.endpoints(ctx)
	if err != nil {
		return err
	}
	key := mappingKey{portType: mapping.PortType, internalPort: mapping.InternalPort}
	nonce, err := c.nonceFor(key, false)
	if err != nil {
		return err
	}
	_, err = c.perform(ctx, router, source, Request{
		Opcode:        OpMap,
		ClientAddress: source,
		Map: &MapData{
			Nonce:                    nonce,
			Protocol:                 protocol,
			InternalPort:             uint16(mapping.InternalPort),
			SuggestedExternalAddress: unspecifiedLike(source),
		},
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.nonces, key)
	c.mu.Unlock()
	return nil
}

// unspecifiedLike returns the "no preference" address of ip's family.
func unspecifiedLike(ip net.IP) net.IP {
	if ip.To4() != nil {
		return net.IPv4zero
	}
	return net.IPv6unspecified
}
