// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package portmapper finds the port mapping protocols the local routers
// speak and keeps mappings made through them alive.
package portmapper

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"storj.io/portmapper/bus"
	"storj.io/portmapper/mapper"
	"storj.io/portmapper/natpmp"
	"storj.io/portmapper/network"
	"storj.io/portmapper/pcp"
	"storj.io/portmapper/routes"
	"storj.io/portmapper/udpengine"
	"storj.io/portmapper/upnpigd"
)

// DefaultProbeSchedule is how long discovery waits for NAT-PMP and PCP
// routers to answer.
var DefaultProbeSchedule = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Option configures Discover.
type Option func(*config)

type config struct {
	logger        logr.Logger
	clock         clock.Clock
	metrics       *udpengine.Metrics
	natpmp        bool
	pcp           bool
	upnp          bool
	probeSchedule []time.Duration
	routerPort    int
	gateways      []net.IP
	routesOpts    []routes.Option
	upnpOpts      []upnpigd.DiscoverOption
}

// WithLogger sets the logger handed to every controller.
func WithLogger(logger logr.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithClock sets the time source of the probes and the engine-based
// controllers.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithMetrics counts probe and controller requests in m.
func WithMetrics(m *udpengine.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithNATPMP enables or disables probing for NAT-PMP.
func WithNATPMP(enabled bool) Option {
	return func(c *config) { c.natpmp = enabled }
}

// WithPCP enables or disables probing for PCP.
func WithPCP(enabled bool) Option {
	return func(c *config) { c.pcp = enabled }
}

// WithUPnP enables or disables the UPnP-IGD search.
func WithUPnP(enabled bool) Option {
	return func(c *config) { c.upnp = enabled }
}

// WithProbeSchedule replaces DefaultProbeSchedule.
func WithProbeSchedule(schedule []time.Duration) Option {
	return func(c *config) { c.probeSchedule = schedule }
}

// WithRouterPort replaces the port NAT-PMP and PCP routers are probed and
// used on.
func WithRouterPort(port int) Option {
	return func(c *config) { c.routerPort = port }
}

// WithGateways skips the default gateway lookup and probes the given
// routers instead.
func WithGateways(gateways ...net.IP) Option {
	return func(c *config) { c.gateways = gateways }
}

// WithRoutesOptions passes options to the default gateway lookup.
func WithRoutesOptions(opts ...routes.Option) Option {
	return func(c *config) { c.routesOpts = opts }
}

// WithUPnPOptions passes options to the UPnP-IGD search.
func WithUPnPOptions(opts ...upnpigd.DiscoverOption) Option {
	return func(c *config) { c.upnpOpts = opts }
}

// Discover returns a controller for every protocol and router that
// answered, PCP first, then NAT-PMP, then UPnP-IGD. Routers that do not
// answer are left out; an empty result is not an error.
func Discover(ctx context.Context, networkBus, processBus *bus.Bus, opts ...Option) ([]mapper.PortMapper, error) {
	cfg := config{
		logger:        logr.Discard(),
		clock:         clock.New(),
		natpmp:        true,
		pcp:           true,
		upnp:          true,
		probeSchedule: DefaultProbeSchedule,
		routerPort:    natpmp.Port,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	locals, err := localAddresses(ctx, networkBus)
	if err != nil {
		return nil, err
	}

	gateways := cfg.gateways
	if gateways == nil && (cfg.natpmp || cfg.pcp) {
		gateways, err = routes.DefaultGateways(ctx, processBus,
			append([]routes.Option{routes.WithLogger(cfg.logger.WithName("routes"))}, cfg.routesOpts...)...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cfg.logger.Info("no gateway candidates", "error", err.Error())
		}
	}

	var (
		mu        sync.Mutex
		pcpFound  []pcpCandidate
		natpmpGWs []net.IP
		upnpFound []*upnpigd.Controller
	)
	group, gctx := errgroup.WithContext(ctx)
	if cfg.pcp && len(gateways) > 0 {
		group.Go(func() error {
			found, err := probePCP(gctx, networkBus, &cfg, gateways, locals)
			mu.Lock()
			pcpFound = found
			mu.Unlock()
			return err
		})
	}
	if cfg.natpmp && len(gateways) > 0 {
		group.Go(func() error {
			found, err := probeNATPMP(gctx, networkBus, &cfg, gateways)
			mu.Lock()
			natpmpGWs = found
			mu.Unlock()
			return err
		})
	}
	if cfg.upnp {
		group.Go(func() error {
			found, err := upnpigd.Discover(gctx, networkBus, append([]upnpigd.DiscoverOption{
				upnpigd.WithDiscoverLogger(cfg.logger.WithName("upnp")),
				upnpigd.WithControllerOptions(upnpigd.WithLogger(cfg.logger.WithName("upnp"))),
			}, cfg.upnpOpts...)...)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				cfg.logger.Info("UPnP-IGD search failed", "error", err.Error())
				return nil
			}
			mu.Lock()
			upnpFound = found
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var mappers []mapper.PortMapper
	for _, found := range pcpFound {
		mappers = append(mappers, pcp.NewController(networkBus, processBus, found.gateway, found.source,
			pcp.WithLogger(cfg.logger.WithName("pcp")),
			pcp.WithClock(cfg.clock),
			pcp.WithRouterPort(cfg.routerPort),
			pcp.WithEngineMetrics(cfg.metrics)))
	}
	for _, gw := range natpmpGWs {
		mappers = append(mappers, natpmp.NewController(networkBus, processBus, gw, nil,
			natpmp.WithLogger(cfg.logger.WithName("natpmp")),
			natpmp.WithClock(cfg.clock),
			natpmp.WithRouterPort(cfg.routerPort),
			natpmp.WithEngineMetrics(cfg.metrics)))
	}
	for _, c := range upnpFound {
		mappers = append(mappers, c)
	}
	for _, m := range mappers {
		cfg.logger.Info("found port mapper", "mapper", m.Name())
	}
	return mappers, nil
}

type pcpCandidate struct {
	gateway net.IP
	source  net.IP
}

func (cfg *config) engineOptions() []udpengine.Option {
	opts := []udpengine.Option{udpengine.WithClock(cfg.clock), udpengine.WithLogger(cfg.logger.WithName("probe"))}
	if cfg.metrics != nil {
		opts = append(opts, udpengine.WithMetrics(cfg.metrics))
	}
	return opts
}

// probeNATPMP sends an external address request to every gateway. Any
// version 0 reply, even an error, marks a NAT-PMP router.
func probeNATPMP(ctx context.Context, networkBus *bus.Bus, cfg *config, gateways []net.IP) ([]net.IP, error) {
	exchanges := make([]udpengine.Exchange[natpmp.ExternalAddressRequest, []byte], len(gateways))
	for i, gw := range gateways {
		exchanges[i] = udpengine.Exchange[natpmp.ExternalAddressRequest, []byte]{
			Destination: &net.UDPAddr{IP: gw, Port: cfg.routerPort},
			Encode:      natpmp.EncodeExternalAddressRequest,
			Decode:      udpengine.AcceptAny[natpmp.ExternalAddressRequest],
		}
	}
	results, err := udpengine.PerformUDPRequests(ctx, networkBus, exchanges, cfg.probeSchedule, cfg.engineOptions()...)
	if err != nil {
		return nil, err
	}
	var found []net.IP
	for i, result := range results {
		if result.Ok && len(result.Response) > 0 && result.Response[0] == 0 {
			found = append(found, gateways[i])
		}
	}
	return found, nil
}

// probePCP sends an ANNOUNCE to every gateway from a local address of the
// same family. Only version 2 replies count: NAT-PMP routers answer PCP
// requests with a version 0 error.
func probePCP(ctx context.Context, networkBus *bus.Bus, cfg *config, gateways, locals []net.IP) ([]pcpCandidate, error) {
	var (
		candidates []pcpCandidate
		exchanges  []udpengine.Exchange[pcp.Request, []byte]
	)
	for _, gw := range gateways {
		source := sameFamily(gw, locals)
		if source == nil {
			cfg.logger.V(1).Info("no local address to announce from", "gateway", gw.String())
			continue
		}
		candidates = append(candidates, pcpCandidate{gateway: gw, source: source})
		exchanges = append(exchanges, udpengine.Exchange[pcp.Request, []byte]{
			Source:      source,
			Destination: &net.UDPAddr{IP: gw, Port: cfg.routerPort},
			Request:     pcp.Request{Opcode: pcp.OpAnnounce, ClientAddress: source},
			Encode:      pcp.EncodeRequest,
			Decode:      udpengine.AcceptAny[pcp.Request],
		})
	}
	if len(exchanges) == 0 {
		return nil, nil
	}
	results, err := udpengine.PerformUDPRequests(ctx, networkBus, exchanges, cfg.probeSchedule, cfg.engineOptions()...)
	if err != nil {
		return nil, err
	}
	var found []pcpCandidate
	for i, result := range results {
		if result.Ok && len(result.Response) > 0 && result.Response[0] == pcp.Version {
			found = append(found, candidates[i])
		}
	}
	return found, nil
}

// sameFamily returns the local address best suited to talk to gw: one in
// the same family, preferring one in gw's /24 or /64.
func sameFamily(gw net.IP, locals []net.IP) net.IP {
	var fallback net.IP
	for _, ip := range locals {
		if (ip.To4() != nil) != (gw.To4() != nil) {
			continue
		}
		if gw.IsLoopback() != ip.IsLoopback() {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		prefix := 64
		if bits == 32 {
			prefix = 24
		}
		if ip.Mask(net.CIDRMask(prefix, bits)).Equal(gw.Mask(net.CIDRMask(prefix, bits))) {
			return ip
		}
		if fallback == nil {
			fallback = ip
		}
	}
	return fallback
}

// localAddresses asks the gateway for the host's addresses. Loopback is
// added so routers on the local host can be probed.
func localAddresses(ctx context.Context, networkBus *bus.Bus) ([]net.IP, error) {
	replies := bus.New()
	defer func() { _ = replies.Close() }()
	networkBus.Send(network.GetLocalIPAddressesRequest{Bus: replies})
	msg, err := replies.Receive(ctx)
	if err != nil {
		return nil, err
	}
	switch msg := msg.(type) {
	case network.GetLocalIPAddressesResponse:
		return append(msg.Addresses, net.IPv4(127, 0, 0, 1), net.IPv6loopback), nil
	case network.ErrorResponse:
		return nil, msg.Err
	}
	return nil, nil
}
