// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux && !darwin

package network

import "syscall"

func (g *Gateway) controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
