// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package mapper holds what every port mapping protocol has in common.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoResponse is returned when a router never answered a request within
// its protocol's retry schedule.
var ErrNoResponse = errors.New("could not complete operation: no response from router")

// PortType is the transport a mapping applies to.
type PortType int

const (
	// TCP mappings forward TCP connections.
	TCP PortType = iota
	// UDP mappings forward UDP datagrams.
	UDP
)

func (p PortType) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	}
	return fmt.Sprintf("PortType(%d)", int(p))
}

// ParsePortType parses "tcp" or "udp", in lower or upper case.
func ParsePortType(s string) (PortType, error) {
	switch s {
	case "tcp", "TCP":
		return TCP, nil
	case "udp", "UDP":
		return UDP, nil
	}
	return 0, fmt.Errorf("unknown port type %q", s)
}

// MappedPort is a mapping a router granted. ExternalAddress may be nil if
// the protocol does not report it with the mapping.
type MappedPort struct {
	InternalPort    int
	ExternalPort    int
	ExternalAddress net.IP
	PortType        PortType
	Lifetime        time.Duration
}

func (m MappedPort) String() string {
	ext := "?"
	if m.ExternalAddress != nil {
		ext = m.ExternalAddress.String()
	}
	return fmt.Sprintf("%s %d -> %s:%d (%s)", m.PortType, m.InternalPort, ext, m.ExternalPort, m.Lifetime)
}

// PortMapper asks one router for port mappings over one protocol.
type PortMapper interface {
	// MapPort asks for internalPort to be reachable from outside for
	// lifetime. The router may grant a different external port or a
	// shorter lifetime.
	MapPort(ctx context.Context, portType PortType, internalPort int, lifetime time.Duration) (MappedPort, error)
	// UnmapPort removes a mapping made earlier.
	UnmapPort(ctx context.Context, mapping MappedPort) error
	// RefreshPort extends a mapping made earlier and returns it as granted.
	RefreshPort(ctx context.Context, mapping MappedPort, lifetime time.Duration) (MappedPort, error)
	// SourceAddress is the local address requests are sent from.
	SourceAddress() net.IP
	// Name identifies the protocol and router for humans.
	Name() string
}

// ResultError is a non-success result code returned by a router.
type ResultError struct {
	Protocol string
	Code     int
	Text     string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: router returned %s (code %d)", e.Protocol, e.Text, e.Code)
}
