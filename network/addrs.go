// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"net"
)

// localIPAddresses lists the unicast addresses of all local interfaces,
// skipping loopback.
func localIPAddresses() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}
		if ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		ips = append(ips, ip)
	}
	return ips, nil
}
