// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package upnpigd maps ports on UPnP Internet Gateway Devices. Device
// descriptions and SOAP calls travel over TCP connections owned by a
// network gateway.
package upnpigd

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/huin/goupnp/soap"
	"golang.org/x/net/html/charset"

	"storj.io/portmapper/bus"
	"storj.io/portmapper/mapper"
	"storj.io/portmapper/network"
)

const protocolName = "UPnP-IGD"

// errOnlyPermanentLeases is the UPnP error routers use to refuse non-zero
// lease durations.
const errOnlyPermanentLeases = 725

// DefaultDescription labels the mappings this package creates.
const DefaultDescription = "portmapper"

// ErrNoService is returned when a device offers no WAN connection service.
var ErrNoService = errors.New("upnpigd: device has no WAN connection service")

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithDescription replaces DefaultDescription.
func WithDescription(description string) Option {
	return func(c *Controller) { c.description = description }
}

// WithRequestTimeout bounds every HTTP request made to the device.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Controller) { c.timeout = timeout }
}

// connectionClient is what the WAN connection services of both IGD
// versions have in common.
type connectionClient interface {
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

// anyPortClient is implemented by IGDv2 WANIPConnection2, which can pick
// a free external port itself.
type anyPortClient interface {
	AddAnyPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) (uint16, error)
}

// Controller maps ports on one IGD.
type Controller struct {
	logger      logr.Logger
	description string
	timeout     time.Duration

	location   *url.URL
	httpClient *http.Client
	client     connectionClient
	service    string
	device     string

	mu sync.Mutex
	// source is the address the device sees us at, used as the internal
	// client of every mapping.
	source net.IP
	// permanent is set once the device refused a finite lease.
	permanent bool
}

var _ mapper.PortMapper = (*Controller)(nil)

// NewController fetches the device description at location through the
// network gateway and binds to its WAN connection service. A nil source is
// replaced by the local address of the connection used to fetch the
// description.
func NewController(ctx context.Context, networkBus *bus.Bus, location *url.URL, source net.IP, opts ...Option) (*Controller, error) {
	c := &Controller{
		logger:      logr.Discard(),
		description: DefaultDescription,
		timeout:     10 * time.Second,
		location:    location,
		source:      source,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &recordingDialer{Dialer: network.Dialer{Gateway: networkBus, Source: source, Logger: c.logger.WithName("dialer")}}
	c.httpClient = &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
	}

	root, err := c.fetchDescription(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.bind(root); err != nil {
		return nil, err
	}
	if c.source == nil {
		c.source = dialer.localAddress()
		if c.source == nil {
			return nil, fmt.Errorf("upnpigd: could not learn local address for %v", location)
		}
	}
	c.logger.V(1).Info("bound to device", "device", c.device, "service", c.service, "source", c.source.String())
	return c, nil
}

func (c *Controller) fetchDescription(ctx context.Context) (*goupnp.RootDevice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.location.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("upnpigd: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upnpigd: fetching description: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upnpigd: fetching description: %s", resp.Status)
	}

	root := new(goupnp.RootDevice)
	dec := xml.NewDecoder(resp.Body)
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(root); err != nil {
		return nil, fmt.Errorf("upnpigd: decoding description: %w", err)
	}
	base := c.location
	if root.URLBaseStr != "" {
		if u, err := url.Parse(root.URLBaseStr); err == nil {
			base = u
		}
	}
	root.SetURLBase(base)
	return root, nil
}

// bind picks the best WAN connection service the device offers.
func (c *Controller) bind(root *goupnp.RootDevice) error {
	c.device = root.Device.FriendlyName
	if clients, err := internetgateway2.NewWANIPConnection2ClientsFromRootDevice(root, c.location); err == nil && len(clients) > 0 {
		c.useSOAP(clients[0].ServiceClient.SOAPClient)
		c.client, c.service = clients[0], "WANIPConnection2"
		return nil
	}
	if clients, err := internetgateway1.NewWANIPConnection1ClientsFromRootDevice(root, c.location); err == nil && len(clients) > 0 {
		c.useSOAP(clients[0].ServiceClient.SOAPClient)
		c.client, c.service = clients[0], "WANIPConnection1"
		return nil
	}
	if clients, err := internetgateway1.NewWANPPPConnection1ClientsFromRootDevice(root, c.location); err == nil && len(clients) > 0 {
		c.useSOAP(clients[0].ServiceClient.SOAPClient)
		c.client, c.service = clients[0], "WANPPPConnection1"
		return nil
	}
	return ErrNoService
}

func (c *Controller) useSOAP(client *soap.SOAPClient) {
	client.HTTPClient.Transport = c.httpClient.Transport
	client.HTTPClient.Timeout = c.timeout
}

// SourceAddress returns the internal client address used for mappings.
func (c *Controller) SourceAddress() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Name identifies the controller.
func (c *Controller) Name() string {
	name := c.device
	if name == "" {
		name = c.location.Host
	}
	return fmt.Sprintf("%s %s (%s)", protocolName, name, c.service)
}

// Location returns the URL of the device description.
func (c *Controller) Location() *url.URL { return c.location }

// ExternalAddress asks the device for its public address.
func (c *Controller) ExternalAddress(ctx context.Context) (net.IP, error) {
	s, err := c.client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("upnpigd: device reported invalid external address %q", s)
	}
	return ip, nil
}

// MapPort asks the device to forward internalPort, preferring the same
// external port.
func (c *Controller) MapPort(ctx context.Context, portType mapper.PortType, internalPort int, lifetime time.Duration) (mapper.MappedPort, error) {
	return c.addMapping(ctx, portType, internalPort, internalPort, lifetime, true)
}

// RefreshPort re-adds mapping, which renews its lease.
func (c *Controller) RefreshPort(ctx context.Context, mapping mapper.MappedPort, lifetime time.Duration) (mapper.MappedPort, error) {
	return c.addMapping(ctx, mapping.PortType, mapping.InternalPort, mapping.ExternalPort, lifetime, false)
}

func (c *Controller) addMapping(ctx context.Context, portType mapper.PortType, internalPort, externalPort int, lifetime time.Duration, anyPort bool) (mapper.MappedPort, error) {
	if internalPort <= 0 || internalPort > 65535 || externalPort <= 0 || externalPort > 65535 {
		return mapper.MappedPort{}, fmt.Errorf("upnpigd: invalid ports %d -> %d", internalPort, externalPort)
	}
	if portType != mapper.TCP && portType != mapper.UDP {
		return mapper.MappedPort{}, fmt.Errorf("upnpigd: cannot map port type %v", portType)
	}

	c.mu.Lock()
	source, permanent := c.source, c.permanent
	c.mu.Unlock()

	lease := uint32(lifetime / time.Second)
	if permanent {
		lease = 0
	}
	granted, err := c.add(ctx, portType, internalPort, externalPort, source, lease, anyPort)
	var resultErr *mapper.ResultError
	if lease != 0 && errors.As(err, &resultErr) && resultErr.Code == errOnlyPermanentLeases {
		c.logger.Info("device only supports permanent mappings", "device", c.device)
		c.mu.Lock()
		c.permanent = true
		c.mu.Unlock()
		lease = 0
		granted, err = c.add(ctx, portType, internalPort, externalPort, source, lease, anyPort)
	}
	if err != nil {
		return mapper.MappedPort{}, err
	}

	mapping := mapper.MappedPort{
		InternalPort: internalPort,
		ExternalPort: granted,
		PortType:     portType,
		Lifetime:     time.Duration(lease) * time.Second,
	}
	if ip, err := c.ExternalAddress(ctx); err == nil {
		mapping.ExternalAddress = ip
	} else {
		c.logger.Info("mapped port but could not learn external address", "error", err.Error())
	}
	c.logger.V(1).Info("mapped port", "mapping", mapping.String())
	return mapping, nil
}

func (c *Controller) add(ctx context.Context, portType mapper.PortType, internalPort, externalPort int, source net.IP, lease uint32, anyPort bool) (int, error) {
	if ac, ok := c.client.(anyPortClient); ok && anyPort {
		port, err := ac.AddAnyPortMappingCtx(ctx, "", uint16(externalPort), portType.String(),
			uint16(internalPort), source.String(), true, c.description, lease)
		if err != nil {
			return 0, convertError(err)
		}
		return int(port), nil
	}
	err := c.client.AddPortMappingCtx(ctx, "", uint16(externalPort), portType.String(),
		uint16(internalPort), source.String(), true, c.description, lease)
	if err != nil {
		return 0, convertError(err)
	}
	return externalPort, nil
}

// UnmapPort deletes mapping.
func (c *Controller) UnmapPort(ctx context.Context, mapping mapper.MappedPort) error {
	if mapping.ExternalPort <= 0 || mapping.ExternalPort > 65535 {
		return fmt.Errorf("upnpigd: invalid external port %d", mapping.ExternalPort)
	}
	err := c.client.DeletePortMappingCtx(ctx, "", uint16(mapping.ExternalPort), mapping.PortType.String())
	return convertError(err)
}

// convertError turns SOAP faults into result errors. Failures to reach the
// device become mapper.ErrNoResponse.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var fault *soap.SOAPFaultError
	if errors.As(err, &fault) {
		code := fault.Detail.UPnPError.Errorcode
		text := fault.Detail.UPnPError.ErrorDescription
		if text == "" {
			text = fault.FaultString
		}
		return &mapper.ResultError{Protocol: protocolName, Code: code, Text: text}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", mapper.ErrNoResponse, err)
	}
	return fmt.Errorf("upnpigd: %w", err)
}

// recordingDialer remembers the local address of the first connection it
// makes.
type recordingDialer struct {
	network.Dialer

	mu    sync.Mutex
	local net.IP
}

func (d *recordingDialer) DialContext(ctx context.Context, nw, address string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, nw, address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		d.mu.Lock()
		if d.local == nil {
			d.local = tcp.IP
		}
		d.mu.Unlock()
	}
	return conn, nil
}

func (d *recordingDialer) localAddress() net.IP {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local
}
