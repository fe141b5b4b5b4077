// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pcp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Port is where PCP servers listen.
const Port = 5351

const (
	// Version is the protocol version this package speaks.
	Version = 2
	// MaxMessageSize is the largest PCP datagram.
	MaxMessageSize = 1100

	headerLen   = 24
	mapDataLen  = 36
	peerDataLen = 56
	responseBit = 0x80
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("pcp: malformed message")

// Opcode selects the request type.
type Opcode uint8

// Opcodes.
const (
	OpAnnounce Opcode = 0
	OpMap      Opcode = 1
	OpPeer     Opcode = 2
)

func (o Opcode) String() string {
	switch o {
	case OpAnnounce:
		return "ANNOUNCE"
	case OpMap:
		return "MAP"
	case OpPeer:
		return "PEER"
	}
	return fmt.Sprintf("OPCODE_%d", uint8(o))
}

// Protocol numbers used in MAP and PEER requests.
const (
	ProtocolAll = 0
	ProtocolTCP = 6
	ProtocolUDP = 17
)

// Nonce ties responses to the mapping that asked for them.
type Nonce [12]byte

// NewNonce returns a random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

// MapData is the opcode data of MAP requests and responses. In responses
// the suggested fields hold what the server assigned.
type MapData struct {
	Nonce                    Nonce
	Protocol                 uint8
	InternalPort             uint16
	SuggestedExternalPort    uint16
	SuggestedExternalAddress net.IP
}

// PeerData is the opcode data of PEER requests and responses.
type PeerData struct {
	MapData
	RemotePeerPort    uint16
	RemotePeerAddress net.IP
}

// Request is a PCP request.
type Request struct {
	Opcode Opcode
	// Lifetime is in seconds.
	Lifetime      uint32
	ClientAddress net.IP
	// Map is set for OpMap, Peer for OpPeer.
	Map     *MapData
	Peer    *PeerData
	Options []OptionField
}

// Response is a PCP response.
type Response struct {
	Opcode     Opcode
	ResultCode ResultCode
	// Lifetime is in seconds.
	Lifetime uint32
	Epoch    uint32
	Map      *MapData
	Peer     *PeerData
	Options  []OptionField
}

// EncodeRequest encodes req.
func EncodeRequest(req Request) ([]byte, error) {
	buf := make([]byte, headerLen, MaxMessageSize)
	buf[0] = Version
	buf[1] = byte(req.Opcode)
	binary.BigEndian.PutUint32(buf[4:8], req.Lifetime)
	if err := putAddress(buf[8:24], req.ClientAddress); err != nil {
		return nil, fmt.Errorf("pcp: client address: %w", err)
	}
	buf, err := appendOpcodeData(buf, req.Opcode, req.Map, req.Peer)
	if err != nil {
		return nil, err
	}
	return appendOptions(buf, req.Options)
}

// EncodeResponse encodes resp. Servers use it; this package only needs it
// in tests and fakes.
func EncodeResponse(resp Response) ([]byte, error) {
	buf := make([]byte, headerLen, MaxMessageSize)
	buf[0] = Version
	buf[1] = responseBit | byte(resp.Opcode)
	buf[3] = byte(resp.ResultCode)
	binary.BigEndian.PutUint32(buf[4:8], resp.Lifetime)
	binary.BigEndian.PutUint32(buf[8:12], resp.Epoch)
	buf, err := appendOpcodeData(buf, resp.Opcode, resp.Map, resp.Peer)
	if err != nil {
		return nil, err
	}
	return appendOptions(buf, resp.Options)
}

// DecodeRequest parses a request.
func DecodeRequest(data []byte) (Request, error) {
	if err := checkSize(data); err != nil {
		return Request{}, err
	}
	if data[1]&responseBit != 0 {
		return Request{}, fmt.Errorf("%w: response bit set on request", ErrMalformed)
	}
	req := Request{
		Opcode:        Opcode(data[1] &^ responseBit),
		Lifetime:      binary.BigEndian.Uint32(data[4:8]),
		ClientAddress: getAddress(data[8:24]),
	}
	rest, err := parseOpcodeData(data[headerLen:], req.Opcode, &req.Map, &req.Peer)
	if err != nil {
		return Request{}, err
	}
	req.Options, err = parseOptions(rest)
	return req, err
}

// DecodeResponse parses a response without relating it to a request.
func DecodeResponse(data []byte) (Response, error) {
	if err := checkSize(data); err != nil {
		return Response{}, err
	}
	if data[1]&responseBit == 0 {
		return Response{}, fmt.Errorf("%w: response bit not set", ErrMalformed)
	}
	resp := Response{
		Opcode:     Opcode(data[1] &^ responseBit),
		ResultCode: ResultCode(data[3]),
		Lifetime:   binary.BigEndian.Uint32(data[4:8]),
		Epoch:      binary.BigEndian.Uint32(data[8:12]),
	}
	if resp.ResultCode == UnsuppVersion && len(data) == headerLen {
		// servers answer a version they do not speak with a bare header
		return resp, nil
	}
	rest, err := parseOpcodeData(data[headerLen:], resp.Opcode, &resp.Map, &resp.Peer)
	if err != nil {
		return Response{}, err
	}
	resp.Options, err = parseOptions(rest)
	return resp, err
}

// DecodeResponseFor parses a response and checks that it answers req: same
// opcode and, for MAP and PEER, the same nonce, protocol and internal port.
func DecodeResponseFor(req Request, data []byte) (Response, error) {
	resp, err := DecodeResponse(data)
	if err != nil {
		return Response{}, err
	}
	if resp.Opcode != req.Opcode {
		return Response{}, fmt.Errorf("%w: %v response to %v request", ErrMalformed, resp.Opcode, req.Opcode)
	}
	if resp.ResultCode == UnsuppVersion {
		return resp, nil
	}
	var want, got *MapData
	switch req.Opcode {
	case OpMap:
		want, got = req.Map, resp.Map
	case OpPeer:
		if req.Peer != nil && resp.Peer != nil {
			want, got = &req.Peer.MapData, &resp.Peer.MapData
		}
	default:
		return resp, nil
	}
	if want == nil || got == nil {
		return Response{}, fmt.Errorf("%w: missing opcode data", ErrMalformed)
	}
	if want.Nonce != got.Nonce {
		return Response{}, fmt.Errorf("%w: nonce mismatch", ErrMalformed)
	}
	if want.Protocol != got.Protocol || want.InternalPort != got.InternalPort {
		return Response{}, fmt.Errorf("%w: response for protocol %d port %d, requested protocol %d port %d",
			ErrMalformed, got.Protocol, got.InternalPort, want.Protocol, want.InternalPort)
	}
	return resp, nil
}

func checkSize(data []byte) error {
	if len(data) < headerLen || len(data) > MaxMessageSize || len(data)%4 != 0 {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if data[0] != Version {
		return fmt.Errorf("%w: version %d", ErrMalformed, data[0])
	}
	return nil
}

func appendOpcodeData(buf []byte, op Opcode, m *MapData, p *PeerData) ([]byte, error) {
	switch op {
	case OpAnnounce:
		return buf, nil
	case OpMap:
		if m == nil {
			return nil, errors.New("pcp: MAP without map data")
		}
		return appendMapData(buf, m)
	case OpPeer:
		if p == nil {
			return nil, errors.New("pcp: PEER without peer data")
		}
		buf, err := appendMapData(buf, &p.MapData)
		if err != nil {
			return nil, err
		}
		// remote peer port, then two reserved bytes
		tail := make([]byte, 4)
		binary.BigEndian.PutUint16(tail[0:2], p.RemotePeerPort)
		buf = append(buf, tail...)
		addr := make([]byte, 16)
		if err := putAddress(addr, p.RemotePeerAddress); err != nil {
			return nil, fmt.Errorf("pcp: remote peer address: %w", err)
		}
		return append(buf, addr...), nil
	}
	return nil, fmt.Errorf("pcp: cannot encode opcode %v", op)
}

func appendMapData(buf []byte, m *MapData) ([]byte, error) {
	data := make([]byte, mapDataLen)
	copy(data[0:12], m.Nonce[:])
	data[12] = m.Protocol
	binary.BigEndian.PutUint16(data[16:18], m.InternalPort)
	binary.BigEndian.PutUint16(data[18:20], m.SuggestedExternalPort)
	if err := putAddress(data[20:36], m.SuggestedExternalAddress); err != nil {
		return nil, fmt.Errorf("pcp: external address: %w", err)
	}
	return append(buf, data...), nil
}

func parseOpcodeData(data []byte, op Opcode, m **MapData, p **PeerData) ([]byte, error) {
	switch op {
	case OpAnnounce:
		return data, nil
	case OpMap:
		if len(data) < mapDataLen {
			return nil, fmt.Errorf("%w: MAP data %d bytes", ErrMalformed, len(data))
		}
		*m = parseMapData(data)
		return data[mapDataLen:], nil
	case OpPeer:
		if len(data) < peerDataLen {
			return nil, fmt.Errorf("%w: PEER data %d bytes", ErrMalformed, len(data))
		}
		*p = &PeerData{
			MapData:           *parseMapData(data),
			RemotePeerPort:    binary.BigEndian.Uint16(data[36:38]),
			RemotePeerAddress: getAddress(data[40:56]),
		}
		return data[peerDataLen:], nil
	}
	return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformed, uint8(op))
}

func parseMapData(data []byte) *MapData {
	m := &MapData{
		Protocol:                 data[12],
		InternalPort:             binary.BigEndian.Uint16(data[16:18]),
		SuggestedExternalPort:    binary.BigEndian.Uint16(data[18:20]),
		SuggestedExternalAddress: getAddress(data[20:36]),
	}
	copy(m.Nonce[:], data[0:12])
	return m
}

// putAddress writes ip as 16 bytes, IPv4 in its IPv4-mapped form. A nil ip
// is written as all zeros.
func putAddress(dst []byte, ip net.IP) error {
	if ip == nil {
		return nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return fmt.Errorf("invalid address %v", ip)
	}
	copy(dst, ip16)
	return nil
}

func getAddress(src []byte) net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, src)
	if bytes.Equal(ip, net.IPv6zero) {
		return net.IPv6zero
	}
	return ip
}
