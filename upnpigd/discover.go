// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package upnpigd

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"
	"golang.org/x/sync/errgroup"

	"storj.io/portmapper/bus"
	"storj.io/portmapper/network"
)

// SearchTargets are the SSDP search targets tried, best service first.
var SearchTargets = []string{
	internetgateway2.URN_WANIPConnection_2,
	internetgateway1.URN_WANIPConnection_1,
	internetgateway1.URN_WANPPPConnection_1,
}

// Searcher sends an SSDP search for target from source and returns the
// description locations of the devices that answered.
type Searcher func(ctx context.Context, source net.IP, target string) ([]*url.URL, error)

// SSDPSearch is the default Searcher. It sends the search three times and
// waits up to two seconds for answers.
func SSDPSearch(ctx context.Context, source net.IP, target string) ([]*url.URL, error) {
	client, err := httpu.NewHTTPUClientAddr(source.String())
	if err != nil {
		return nil, fmt.Errorf("upnpigd: binding %v: %w", source, err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	responses, err := ssdp.RawSearch(ctx, client, target, 3)
	if err != nil {
		return nil, fmt.Errorf("upnpigd: searching from %v: %w", source, err)
	}
	var locations []*url.URL
	for _, resp := range responses {
		loc, err := resp.Location()
		if err != nil {
			continue
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// DiscoverOption configures Discover.
type DiscoverOption func(*discoverConfig)

type discoverConfig struct {
	logger   logr.Logger
	searcher Searcher
	sources  []net.IP
	opts     []Option
}

// WithDiscoverLogger sets the logger used by Discover.
func WithDiscoverLogger(logger logr.Logger) DiscoverOption {
	return func(c *discoverConfig) { c.logger = logger }
}

// WithSearcher replaces SSDPSearch.
func WithSearcher(s Searcher) DiscoverOption {
	return func(c *discoverConfig) { c.searcher = s }
}

// WithSources limits the search to the given local addresses instead of
// every IPv4 address the gateway reports.
func WithSources(sources ...net.IP) DiscoverOption {
	return func(c *discoverConfig) { c.sources = sources }
}

// WithControllerOptions passes options to every controller Discover
// creates.
func WithControllerOptions(opts ...Option) DiscoverOption {
	return func(c *discoverConfig) { c.opts = opts }
}

// Discover searches every local IPv4 address for IGDs and returns a
// controller for each device that offers a WAN connection service. Devices
// that fail to describe themselves are logged and skipped.
func Discover(ctx context.Context, networkBus *bus.Bus, opts ...DiscoverOption) ([]*Controller, error) {
	cfg := discoverConfig{logger: logr.Discard(), searcher: SSDPSearch}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sources == nil {
		addrs, err := localIPv4Addresses(ctx, networkBus)
		if err != nil {
			return nil, err
		}
		cfg.sources = addrs
	}

	var (
		mu          sync.Mutex
		seen        = make(map[string]bool)
		controllers []*Controller
	)
	group, gctx := errgroup.WithContext(ctx)
	for _, source := range cfg.sources {
		source := source
		group.Go(func() error {
			for _, target := range SearchTargets {
				locations, err := cfg.searcher(gctx, source, target)
				if err != nil {
					cfg.logger.V(1).Info("search failed", "source", source.String(), "target", target, "error", err.Error())
					continue
				}
				for _, loc := range locations {
					mu.Lock()
					dup := seen[loc.String()]
					seen[loc.String()] = true
					mu.Unlock()
					if dup {
						continue
					}
					c, err := NewController(gctx, networkBus, loc, source,
						append([]Option{WithLogger(cfg.logger)}, cfg.opts...)...)
					if err != nil {
						cfg.logger.Info("skipping device", "location", loc.String(), "error", err.Error())
						continue
					}
					mu.Lock()
					controllers = append(controllers, c)
					mu.Unlock()
				}
			}
			return gctx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return controllers, nil
}

func localIPv4Addresses(ctx context.Context, networkBus *bus.Bus) ([]net.IP, error) {
	replies := bus.New()
	defer func() { _ = replies.Close() }()
	networkBus.Send(network.GetLocalIPAddressesRequest{Bus: replies})
	msg, err := replies.Receive(ctx)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(network.GetLocalIPAddressesResponse)
	if !ok {
		return nil, fmt.Errorf("upnpigd: unexpected reply %T", msg)
	}
	var addrs []net.IP
	for _, ip := range resp.Addresses {
		if ip.To4() != nil {
			addrs = append(addrs, ip)
		}
	}
	return addrs, nil
}
