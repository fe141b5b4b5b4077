// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package natpmp

import (
	"encoding/binary"
	"errors"
	"fmt"

	natpmp "github.com/jackpal/go-nat-pmp"

	"storj.io/portmapper/mapper"
)

// Port is where NAT-PMP servers listen.
const Port = 5351

const (
	version = 0

	opExternalAddress = 0
	opMapUDP          = 1
	opMapTCP          = 2
	opResponse        = 128

	externalAddressRequestLen  = 2
	externalAddressResponseLen = 12
	mapRequestLen              = 12
	mapResponseLen             = 16
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("natpmp: malformed response")

// ResultCode is the result field of a NAT-PMP response.
type ResultCode uint16

// Result codes.
const (
	Success            ResultCode = 0
	UnsupportedVersion ResultCode = 1
	NotAuthorized      ResultCode = 2
	NetworkFailure     ResultCode = 3
	OutOfResources     ResultCode = 4
	UnsupportedOpcode  ResultCode = 5
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case UnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case NotAuthorized:
		return "NOT_AUTHORIZED"
	case NetworkFailure:
		return "NETWORK_FAILURE"
	case OutOfResources:
		return "OUT_OF_RESOURCES"
	case UnsupportedOpcode:
		return "UNSUPPORTED_OPCODE"
	}
	return fmt.Sprintf("UNKNOWN_%d", uint16(c))
}

// Err returns nil for Success and a *mapper.ResultError otherwise.
func (c ResultCode) Err() error {
	if c == Success {
		return nil
	}
	return &mapper.ResultError{Protocol: "NAT-PMP", Code: int(c), Text: c.String()}
}

// ExternalAddressRequest asks the router for its public IPv4 address.
type ExternalAddressRequest struct{}

// ExternalAddressResponse answers ExternalAddressRequest.
type ExternalAddressResponse struct {
	ResultCode ResultCode
	natpmp.GetExternalAddressResult
}

// MapRequest creates, refreshes or (with zero Lifetime and
// SuggestedExternalPort) deletes a mapping.
type MapRequest struct {
	PortType              mapper.PortType
	InternalPort          uint16
	SuggestedExternalPort uint16
	// Lifetime is in seconds.
	Lifetime uint32
}

// MapResponse answers MapRequest.
type MapResponse struct {
	ResultCode ResultCode
	PortType   mapper.PortType
	natpmp.AddPortMappingResult
}

// EncodeExternalAddressRequest encodes req.
func EncodeExternalAddressRequest(ExternalAddressRequest) ([]byte, error) {
	return []byte{version, opExternalAddress}, nil
}

// DecodeExternalAddressResponse decodes an answer to req.
func DecodeExternalAddressResponse(_ ExternalAddressRequest, data []byte) (ExternalAddressResponse, error) {
	code, err := checkHeader(data, opExternalAddress, externalAddressResponseLen)
	if err != nil {
		return ExternalAddressResponse{}, err
	}
	resp := ExternalAddressResponse{ResultCode: code}
	if len(data) < externalAddressResponseLen {
		return resp, nil
	}
	resp.SecondsSinceStartOfEpoc = binary.BigEndian.Uint32(data[4:8])
	copy(resp.ExternalIPAddress[:], data[8:12])
	return resp, nil
}

func mapOpcode(t mapper.PortType) (byte, error) {
	switch t {
	case mapper.UDP:
		return opMapUDP, nil
	case mapper.TCP:
		return opMapTCP, nil
	}
	return 0, fmt.Errorf("natpmp: cannot map port type %v", t)
}

// EncodeMapRequest encodes req.
func EncodeMapRequest(req MapRequest) ([]byte, error) {
	op, err := mapOpcode(req.PortType)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, mapRequestLen)
	buf[0] = version
	buf[1] = op
	// bytes 2-3 are reserved
	binary.BigEndian.PutUint16(buf[4:6], req.InternalPort)
	binary.BigEndian.PutUint16(buf[6:8], req.SuggestedExternalPort)
	binary.BigEndian.PutUint32(buf[8:12], req.Lifetime)
	return buf, nil
}

// DecodeMapResponse decodes an answer to req. A response for another
// internal port or transport is rejected.
func DecodeMapResponse(req MapRequest, data []byte) (MapResponse, error) {
	op, err := mapOpcode(req.PortType)
	if err != nil {
		return MapResponse{}, err
	}
	code, err := checkHeader(data, op, mapResponseLen)
	if err != nil {
		return MapResponse{}, err
	}
	resp := MapResponse{ResultCode: code, PortType: req.PortType}
	if len(data) < mapResponseLen {
		return resp, nil
	}
	resp.SecondsSinceStartOfEpoc = binary.BigEndian.Uint32(data[4:8])
	resp.InternalPort = binary.BigEndian.Uint16(data[8:10])
	resp.MappedExternalPort = binary.BigEndian.Uint16(data[10:12])
	resp.PortMappingLifetimeInSeconds = binary.BigEndian.Uint32(data[12:16])
	if resp.InternalPort != req.InternalPort {
		return MapResponse{}, fmt.Errorf("%w: internal port %d, requested %d", ErrMalformed, resp.InternalPort, req.InternalPort)
	}
	return resp, nil
}

// checkHeader validates the common response header and length. Error
// responses only need the header.
func checkHeader(data []byte, op byte, wantLen int) (ResultCode, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if data[0] != version {
		return 0, fmt.Errorf("%w: version %d", ErrMalformed, data[0])
	}
	if data[1] != opResponse+op {
		return 0, fmt.Errorf("%w: opcode %d, expected %d", ErrMalformed, data[1], opResponse+op)
	}
	code := ResultCode(binary.BigEndian.Uint16(data[2:4]))
	// routers may send just the header with an error code
	if len(data) < wantLen && code == Success {
		return 0, fmt.Errorf("%w: %d bytes, expected %d", ErrMalformed, len(data), wantLen)
	}
	return code, nil
}
