// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package natpmp_test

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/portmapper/mapper"
	"storj.io/portmapper/natpmp"
)

func TestEncodeMapRequest(t *testing.T) {
	data, err := natpmp.EncodeMapRequest(natpmp.MapRequest{
		PortType:              mapper.TCP,
		InternalPort:          0x1f90,
		SuggestedExternalPort: 0x1f91,
		Lifetime:              7200,
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 2, 0, 0, 0x1f, 0x90, 0x1f, 0x91, 0, 0, 0x1c, 0x20}, data)

	data, err = natpmp.EncodeExternalAddressRequest(natpmp.ExternalAddressRequest{})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0}, data)
}

func TestDecodeExternalAddressResponse(t *testing.T) {
	resp, err := natpmp.DecodeExternalAddressResponse(natpmp.ExternalAddressRequest{},
		[]byte{0, 128, 0, 0, 0, 0, 0, 42, 203, 0, 113, 9})
	require.NoError(t, err)
	require.Equal(t, natpmp.Success, resp.ResultCode)
	require.EqualValues(t, 42, resp.SecondsSinceStartOfEpoc)
	require.True(t, net.IP(resp.ExternalIPAddress[:]).Equal(net.IPv4(203, 0, 113, 9)))
}

func TestDecodeMapResponse(t *testing.T) {
	req := natpmp.MapRequest{PortType: mapper.UDP, InternalPort: 4000, SuggestedExternalPort: 4000, Lifetime: 60}
	good := []byte{0, 129, 0, 0, 0, 0, 1, 0, 0x0f, 0xa0, 0x13, 0x88, 0, 0, 0, 30}

	resp, err := natpmp.DecodeMapResponse(req, good)
	require.NoError(t, err)
	require.EqualValues(t, 4000, resp.InternalPort)
	require.EqualValues(t, 5000, resp.MappedExternalPort)
	require.EqualValues(t, 30, resp.PortMappingLifetimeInSeconds)
	require.NoError(t, resp.ResultCode.Err())

	refused := append([]byte(nil), good...)
	refused[3] = byte(natpmp.NotAuthorized)
	resp, err = natpmp.DecodeMapResponse(req, refused)
	require.NoError(t, err)
	var resultErr *mapper.ResultError
	require.True(t, errors.As(resp.ResultCode.Err(), &resultErr))
	require.Equal(t, "NOT_AUTHORIZED", resultErr.Text)

	resp, err = natpmp.DecodeMapResponse(req, refused[:4])
	require.NoError(t, err)
	require.Equal(t, natpmp.NotAuthorized, resp.ResultCode)
	require.Zero(t, resp.MappedExternalPort)

	ea, err := natpmp.DecodeExternalAddressResponse(natpmp.ExternalAddressRequest{}, []byte{0, 128, 0, 3, 0, 0, 0, 1})
	require.NoError(t, err)
	require.Equal(t, natpmp.NetworkFailure, ea.ResultCode)

	for name, mutate := range map[string]func([]byte) []byte{
		"short":         func(b []byte) []byte { return b[:10] },
		"header only":   func(b []byte) []byte { return b[:4] },
		"version":       func(b []byte) []byte { b[0] = 2; return b },
		"request":       func(b []byte) []byte { b[1] = 1; return b },
		"tcp opcode":    func(b []byte) []byte { b[1] = 130; return b },
		"internal port": func(b []byte) []byte { b[9] = 0xa1; return b },
	} {
		t.Run(name, func(t *testing.T) {
			_, err := natpmp.DecodeMapResponse(req, mutate(append([]byte(nil), good...)))
			require.ErrorIs(t, err, natpmp.ErrMalformed)
		})
	}
}
