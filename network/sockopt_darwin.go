// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	ipDontFrag   = 28 // in bsd/netinet/in.h as of xnu 7195.50.7.100.1
	ipv6DontFrag = 62 // in bsd/netinet6/in6.h
)

// controlSocket runs on every socket before it is bound.
func (g *Gateway) controlSocket(network, address string, c syscall.RawConn) error {
	var optErr error
	callErr := c.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if optErr != nil {
			return
		}
		if strings.HasPrefix(network, "udp") {
			level, option := unix.IPPROTO_IP, ipDontFrag
			if network == "udp6" {
				level, option = unix.IPPROTO_IPV6, ipv6DontFrag
			}
			if err := unix.SetsockoptInt(int(fd), level, option, 1); err != nil {
				// Mac OSes older than 11.3 Big Sur may not support the IPv4
				// IP_DONTFRAG; carry on without it.
				g.logger.V(1).Info("could not set DONTFRAG option on UDP socket",
					"address", address, "error", err.Error())
			}
		}
	})
	if callErr != nil {
		return callErr
	}
	return optErr
}
