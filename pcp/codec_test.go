// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pcp_test

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/portmapper/mapper"
	"storj.io/portmapper/pcp"
)

var nonce = pcp.Nonce{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

func mapRequest() pcp.Request {
	return pcp.Request{
		Opcode:        pcp.OpMap,
		Lifetime:      7200,
		ClientAddress: net.IPv4(192, 168, 1, 20),
		Map: &pcp.MapData{
			Nonce:                    nonce,
			Protocol:                 pcp.ProtocolTCP,
			InternalPort:             8080,
			SuggestedExternalPort:    8080,
			SuggestedExternalAddress: net.IPv4zero,
		},
	}
}

func TestEncodeMapRequest(t *testing.T) {
	data, err := pcp.EncodeRequest(mapRequest())
	require.NoError(t, err)
	require.Len(t, data, 60)

	require.Equal(t, []byte{2, 1, 0, 0, 0, 0, 0x1c, 0x20}, data[:8])
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 192, 168, 1, 20}, data[8:24])
	require.Equal(t, nonce[:], data[24:36])
	require.Equal(t, []byte{6, 0, 0, 0, 0x1f, 0x90, 0x1f, 0x90}, data[36:44])
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0, 0, 0, 0}, data[44:60])

	back, err := pcp.DecodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, pcp.OpMap, back.Opcode)
	require.True(t, back.ClientAddress.Equal(net.IPv4(192, 168, 1, 20)))
	require.True(t, back.Map.SuggestedExternalAddress.Equal(net.IPv4zero))
	require.Equal(t, nonce, back.Map.Nonce)
}

func TestAnnounceIsBareHeader(t *testing.T) {
	data, err := pcp.EncodeRequest(pcp.Request{Opcode: pcp.OpAnnounce, ClientAddress: net.ParseIP("2001:db8::1")})
	require.NoError(t, err)
	require.Len(t, data, 24)
	require.Equal(t, net.ParseIP("2001:db8::1").To16(), net.IP(data[8:24]))
}

func TestPeerRoundTrip(t *testing.T) {
	req := pcp.Request{
		Opcode:        pcp.OpPeer,
		Lifetime:      120,
		ClientAddress: net.IPv4(10, 0, 0, 2),
		Peer: &pcp.PeerData{
			MapData: pcp.MapData{
				Nonce:        nonce,
				Protocol:     pcp.ProtocolUDP,
				InternalPort: 4000,
			},
			RemotePeerPort:    443,
			RemotePeerAddress: net.IPv4(203, 0, 113, 7),
		},
	}
	data, err := pcp.EncodeRequest(req)
	require.NoError(t, err)
	require.Len(t, data, 24+56)

	back, err := pcp.DecodeRequest(data)
	require.NoError(t, err)
	require.EqualValues(t, 443, back.Peer.RemotePeerPort)
	require.True(t, back.Peer.RemotePeerAddress.Equal(net.IPv4(203, 0, 113, 7)))
	require.EqualValues(t, 4000, back.Peer.InternalPort)
}

func TestOptionsArePadded(t *testing.T) {
	req := mapRequest()
	req.Options = []pcp.OptionField{
		pcp.PreferFailure(),
		pcp.ThirdParty(net.IPv4(10, 0, 0, 9)),
		{Code: 0x80, Data: []byte{1, 2, 3}},
	}
	data, err := pcp.EncodeRequest(req)
	require.NoError(t, err)
	require.Len(t, data, 60+4+(4+16)+(4+4))
	require.Zero(t, len(data)%4)

	back, err := pcp.DecodeRequest(data)
	require.NoError(t, err)
	require.Len(t, back.Options, 3)
	require.Equal(t, pcp.OptionPreferFailure, back.Options[0].Code)
	require.Empty(t, back.Options[0].Data)
	ip, err := back.Options[1].ThirdPartyAddress()
	require.NoError(t, err)
	require.True(t, ip.Equal(net.IPv4(10, 0, 0, 9)))
	require.Equal(t, []byte{1, 2, 3}, back.Options[2].Data)

	_, err = back.Options[0].ThirdPartyAddress()
	require.ErrorIs(t, err, pcp.ErrMalformed)

	filter := pcp.Filter(24, 80, net.IPv4(198, 51, 100, 0))
	prefix, port, remote, err := filter.FilterValues()
	require.NoError(t, err)
	require.EqualValues(t, 24, prefix)
	require.EqualValues(t, 80, port)
	require.True(t, remote.Equal(net.IPv4(198, 51, 100, 0)))

	req.Options = []pcp.OptionField{{Code: 0x81, Data: make([]byte, 1100)}}
	_, err = pcp.EncodeRequest(req)
	require.Error(t, err)
}

func mapResponse(req pcp.Request) pcp.Response {
	return pcp.Response{
		Opcode:   pcp.OpMap,
		Lifetime: 3600,
		Epoch:    99,
		Map: &pcp.MapData{
			Nonce:                    req.Map.Nonce,
			Protocol:                 req.Map.Protocol,
			InternalPort:             req.Map.InternalPort,
			SuggestedExternalPort:    18080,
			SuggestedExternalAddress: net.IPv4(198, 51, 100, 4),
		},
	}
}

func TestDecodeResponseFor(t *testing.T) {
	req := mapRequest()
	data, err := pcp.EncodeResponse(mapResponse(req))
	require.NoError(t, err)

	resp, err := pcp.DecodeResponseFor(req, data)
	require.NoError(t, err)
	require.Equal(t, pcp.Success, resp.ResultCode)
	require.EqualValues(t, 3600, resp.Lifetime)
	require.EqualValues(t, 99, resp.Epoch)
	require.EqualValues(t, 18080, resp.Map.SuggestedExternalPort)
	require.Equal(t, "198.51.100.4", resp.Map.SuggestedExternalAddress.String())

	for name, mutate := range map[string]func(pcp.Response) pcp.Response{
		"nonce": func(r pcp.Response) pcp.Response {
			r.Map.Nonce[0]++
			return r
		},
		"protocol": func(r pcp.Response) pcp.Response {
			r.Map.Protocol = pcp.ProtocolUDP
			return r
		},
		"port": func(r pcp.Response) pcp.Response {
			r.Map.InternalPort++
			return r
		},
		"opcode": func(r pcp.Response) pcp.Response {
			r.Opcode = pcp.OpAnnounce
			r.Map = nil
			return r
		},
	} {
		data, err := pcp.EncodeResponse(mutate(mapResponse(req)))
		require.NoError(t, err, name)
		_, err = pcp.DecodeResponseFor(req, data)
		require.ErrorIs(t, err, pcp.ErrMalformed, name)
	}
}

func TestDecodeMalformed(t *testing.T) {
	good, err := pcp.EncodeResponse(mapResponse(mapRequest()))
	require.NoError(t, err)

	for name, data := range map[string][]byte{
		"short":        good[:20],
		"unaligned":    append(append([]byte(nil), good...), 0),
		"truncated":    good[:40],
		"too long":     make([]byte, 1104),
		"request":      func() []byte { d := append([]byte(nil), good...); d[1] = 1; return d }(),
		"version":      func() []byte { d := append([]byte(nil), good...); d[0] = 1; return d }(),
		"option":       append(append([]byte(nil), good...), 1, 0, 0, 8),
		"bad opcode":   func() []byte { d := append([]byte(nil), good...); d[1] = 0x80 | 9; return d }(),
		"empty option": append(append([]byte(nil), good...), 1, 0),
	} {
		_, err := pcp.DecodeResponse(data)
		require.ErrorIs(t, err, pcp.ErrMalformed, name)
	}
}

func TestUnsupportedVersionHeader(t *testing.T) {
	data := make([]byte, 24)
	data[0] = 2
	data[1] = 0x80 | byte(pcp.OpMap)
	data[3] = byte(pcp.UnsuppVersion)

	resp, err := pcp.DecodeResponseFor(mapRequest(), data)
	require.NoError(t, err)
	require.Equal(t, pcp.UnsuppVersion, resp.ResultCode)

	var resultErr *mapper.ResultError
	require.True(t, errors.As(resp.ResultCode.Err(), &resultErr))
	require.Equal(t, "PCP", resultErr.Protocol)
	require.Equal(t, "UNSUPP_VERSION", resultErr.Text)
	require.NoError(t, pcp.Success.Err())
}
