// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket runs on every socket before it is bound. Port mapping
// requests are tiny, so UDP sockets always carry the don't-fragment flag:
// enabling path mtu discovery forces it on for non-stream sockets.
func (g *Gateway) controlSocket(network, address string, c syscall.RawConn) error {
	var optErr error
	callErr := c.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if optErr != nil {
			return
		}
		if strings.HasPrefix(network, "udp") {
			level, option := unix.IPPROTO_IP, unix.IP_MTU_DISCOVER
			value := unix.IP_PMTUDISC_DO
			if network == "udp6" {
				level, option = unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER
				value = unix.IPV6_PMTUDISC_DO
			}
			if err := unix.SetsockoptInt(int(fd), level, option, value); err != nil {
				// we can carry on without it
				g.logger.V(1).Info("could not enable path mtu discovery on UDP socket",
					"address", address, "error", err.Error())
			}
		}
	})
	if callErr != nil {
		return callErr
	}
	return optErr
}
