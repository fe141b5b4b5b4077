// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pcp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// OptionCode identifies a PCP option.
type OptionCode uint8

// Option codes.
const (
	OptionThirdParty    OptionCode = 1
	OptionPreferFailure OptionCode = 2
	OptionFilter        OptionCode = 3
)

func (c OptionCode) String() string {
	switch c {
	case OptionThirdParty:
		return "THIRD_PARTY"
	case OptionPreferFailure:
		return "PREFER_FAILURE"
	case OptionFilter:
		return "FILTER"
	}
	return fmt.Sprintf("OPTION_%d", uint8(c))
}

// OptionField is one option in the chain following the opcode data. Data
// is unpadded; padding to four bytes is added on the wire.
type OptionField struct {
	Code OptionCode
	Data []byte
}

// ThirdParty asks for a mapping on behalf of another host.
func ThirdParty(internal net.IP) OptionField {
	data := make([]byte, 16)
	_ = putAddress(data, internal)
	return OptionField{Code: OptionThirdParty, Data: data}
}

// PreferFailure asks the server to fail rather than assign a different
// external port than suggested.
func PreferFailure() OptionField {
	return OptionField{Code: OptionPreferFailure}
}

// Filter restricts a mapping to remote peers within prefix.
func Filter(prefixLength uint8, remotePort uint16, remote net.IP) OptionField {
	data := make([]byte, 20)
	data[1] = prefixLength
	binary.BigEndian.PutUint16(data[2:4], remotePort)
	_ = putAddress(data[4:20], remote)
	return OptionField{Code: OptionFilter, Data: data}
}

// ThirdPartyAddress returns the address in a THIRD_PARTY option.
func (o OptionField) ThirdPartyAddress() (net.IP, error) {
	if o.Code != OptionThirdParty || len(o.Data) != 16 {
		return nil, fmt.Errorf("%w: not a THIRD_PARTY option", ErrMalformed)
	}
	return getAddress(o.Data), nil
}

// FilterValues returns the fields of a FILTER option.
func (o OptionField) FilterValues() (prefixLength uint8, remotePort uint16, remote net.IP, err error) {
	if o.Code != OptionFilter || len(o.Data) != 20 {
		return 0, 0, nil, fmt.Errorf("%w: not a FILTER option", ErrMalformed)
	}
	return o.Data[1], binary.BigEndian.Uint16(o.Data[2:4]), getAddress(o.Data[4:20]), nil
}

func appendOptions(buf []byte, options []OptionField) ([]byte, error) {
	for _, o := range options {
		if len(o.Data) > 0xffff {
			return nil, fmt.Errorf("pcp: option %v too long", o.Code)
		}
		padded := (len(o.Data) + 3) &^ 3
		if len(buf)+4+padded > MaxMessageSize {
			return nil, fmt.Errorf("pcp: options exceed %d bytes", MaxMessageSize)
		}
		hdr := make([]byte, 4)
		hdr[0] = byte(o.Code)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(o.Data)))
		buf = append(buf, hdr...)
		buf = append(buf, o.Data...)
		buf = append(buf, make([]byte, padded-len(o.Data))...)
	}
	return buf, nil
}

func parseOptions(data []byte) ([]OptionField, error) {
	var options []OptionField
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated option header", ErrMalformed)
		}
		code := OptionCode(data[0])
		length := int(binary.BigEndian.Uint16(data[2:4]))
		padded := (length + 3) &^ 3
		if len(data) < 4+padded {
			return nil, fmt.Errorf("%w: option %v length %d overruns message", ErrMalformed, code, length)
		}
		options = append(options, OptionField{
			Code: code,
			Data: append([]byte(nil), data[4:4+length]...),
		})
		data = data[4+padded:]
	}
	return options, nil
}
