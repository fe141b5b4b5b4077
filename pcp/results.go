// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pcp

import (
	"fmt"

	"storj.io/portmapper/mapper"
)

// ResultCode is the result field of a PCP response.
type ResultCode uint8

// Result codes.
const (
	Success               ResultCode = 0
	UnsuppVersion         ResultCode = 1
	NotAuthorized         ResultCode = 2
	MalformedRequest      ResultCode = 3
	UnsuppOpcode          ResultCode = 4
	UnsuppOption          ResultCode = 5
	MalformedOption       ResultCode = 6
	NetworkFailure        ResultCode = 7
	NoResources           ResultCode = 8
	UnsuppProtocol        ResultCode = 9
	UserExQuota           ResultCode = 10
	CannotProvideExternal ResultCode = 11
	AddressMismatch       ResultCode = 12
	ExcessiveRemotePeers  ResultCode = 13
)

var resultNames = [...]string{
	"SUCCESS",
	"UNSUPP_VERSION",
	"NOT_AUTHORIZED",
	"MALFORMED_REQUEST",
	"UNSUPP_OPCODE",
	"UNSUPP_OPTION",
	"MALFORMED_OPTION",
	"NETWORK_FAILURE",
	"NO_RESOURCES",
	"UNSUPP_PROTOCOL",
	"USER_EX_QUOTA",
	"CANNOT_PROVIDE_EXTERNAL",
	"ADDRESS_MISMATCH",
	"EXCESSIVE_REMOTE_PEERS",
}

func (c ResultCode) String() string {
	if int(c) < len(resultNames) {
		return resultNames[c]
	}
	return fmt.Sprintf("UNKNOWN_%d", uint8(c))
}

// Err returns nil for Success and a *mapper.ResultError otherwise.
func (c ResultCode) Err() error {
	if c == Success {
		return nil
	}
	return &mapper.ResultError{Protocol: "PCP", Code: int(c), Text: c.String()}
}
