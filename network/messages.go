// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"errors"
	"fmt"
	"net"

	"storj.io/portmapper/bus"
)

var (
	// ErrUnknownID is reported when a request names a socket id the gateway
	// does not know (never created, already closed or torn down).
	ErrUnknownID = errors.New("network: unknown socket id")
	// ErrDuplicateID is reported when a create request reuses a live id.
	ErrDuplicateID = errors.New("network: socket id already in use")
	// ErrWrongSocketType is reported when a TCP request names a UDP socket
	// or the other way around.
	ErrWrongSocketType = errors.New("network: wrong socket type for request")
	// ErrGatewayClosed is delivered to every socket owner when the gateway
	// shuts down.
	ErrGatewayClosed = errors.New("network: gateway closed")
)

// Request is a message sent to the gateway's inbox. Every request other
// than KillRequest names the bus its replies go to.
type Request interface {
	replyTo() *bus.Bus
}

// Response is a reply to a request.
type Response interface {
	isResponse()
}

// Notification is an unsolicited message from the gateway about a socket.
type Notification interface {
	isNotification()
}

// GetNextIDRequest asks for a fresh socket id.
type GetNextIDRequest struct {
	Bus *bus.Bus
}

// GetNextIDResponse carries an id that has never been handed out before.
type GetNextIDResponse struct {
	ID int
}

// CreateTCPRequest opens a TCP socket bound to SourceAddress and starts
// connecting it to DestinationAddress:DestinationPort. The create response
// is sent right away; ConnectedTCPNotification follows once the connection
// is established.
type CreateTCPRequest struct {
	ID                 int
	Bus                *bus.Bus
	SourceAddress      net.IP
	DestinationAddress net.IP
	DestinationPort    int
}

// CreateTCPResponse confirms a CreateTCPRequest.
type CreateTCPResponse struct {
	ID int
}

// CreateUDPRequest opens a UDP socket bound to SourceAddress. SourcePort
// may be zero to pick an ephemeral port.
type CreateUDPRequest struct {
	ID            int
	Bus           *bus.Bus
	SourceAddress net.IP
	SourcePort    int
}

// CreateUDPResponse confirms a CreateUDPRequest.
type CreateUDPResponse struct {
	ID           int
	LocalAddress *net.UDPAddr
}

// CloseRequest closes a socket.
type CloseRequest struct {
	ID  int
	Bus *bus.Bus
}

// CloseResponse confirms a CloseRequest.
type CloseResponse struct {
	ID int
}

// WriteTCPRequest queues Data on a TCP socket. Empty payloads are dropped
// without a response.
type WriteTCPRequest struct {
	ID   int
	Bus  *bus.Bus
	Data []byte
}

// WriteTCPResponse is sent once per fully flushed WriteTCPRequest.
type WriteTCPResponse struct {
	ID      int
	Written int
}

// WriteUDPRequest queues one datagram for RemoteAddress.
type WriteUDPRequest struct {
	ID            int
	Bus           *bus.Bus
	RemoteAddress *net.UDPAddr
	Data          []byte
}

// WriteUDPResponse is sent once per datagram handed to the OS.
type WriteUDPResponse struct {
	ID      int
	Written int
}

// GetLocalIPAddressesRequest asks for the non-loopback addresses of all
// local interfaces.
type GetLocalIPAddressesRequest struct {
	Bus *bus.Bus
}

// GetLocalIPAddressesResponse answers GetLocalIPAddressesRequest.
type GetLocalIPAddressesResponse struct {
	Addresses []net.IP
}

// KillRequest stops the gateway. Every live socket is torn down and its
// owner receives an ErrorNotification wrapping ErrGatewayClosed.
type KillRequest struct{}

// ErrorResponse reports that Request could not be carried out. ID is the
// socket id the request named, or NoID.
type ErrorResponse struct {
	ID      int
	Request Request
	Err     error
}

// NoID is the ID of an ErrorResponse for a request that names no socket.
const NoID = -1

func (e ErrorResponse) Error() string {
	return fmt.Sprintf("%T for socket %d failed: %v", e.Request, e.ID, e.Err)
}

func (e ErrorResponse) Unwrap() error { return e.Err }

// ConnectedTCPNotification is sent once when a TCP connect completes.
type ConnectedTCPNotification struct {
	ID            int
	LocalAddress  *net.TCPAddr
	RemoteAddress *net.TCPAddr
}

// ReadTCPNotification carries bytes read from a TCP socket.
type ReadTCPNotification struct {
	ID   int
	Data []byte
}

// ReadClosedTCPNotification is sent when the remote side finished sending.
// No further ReadTCPNotification follows for the socket.
type ReadClosedTCPNotification struct {
	ID int
}

// ReadUDPNotification carries one received datagram.
type ReadUDPNotification struct {
	ID            int
	LocalAddress  *net.UDPAddr
	RemoteAddress *net.UDPAddr
	Data          []byte
}

// WriteEmptyNotification is sent once each time a socket's outgoing queue
// becomes (or starts out) empty.
type WriteEmptyNotification struct {
	ID int
}

// ErrorNotification reports that a socket was torn down. No further
// messages follow for the socket.
type ErrorNotification struct {
	ID  int
	Err error
}

func (e ErrorNotification) Error() string {
	return fmt.Sprintf("socket %d: %v", e.ID, e.Err)
}

func (e ErrorNotification) Unwrap() error { return e.Err }

func (r GetNextIDRequest) replyTo() *bus.Bus           { return r.Bus }
func (r CreateTCPRequest) replyTo() *bus.Bus           { return r.Bus }
func (r CreateUDPRequest) replyTo() *bus.Bus           { return r.Bus }
func (r CloseRequest) replyTo() *bus.Bus               { return r.Bus }
func (r WriteTCPRequest) replyTo() *bus.Bus            { return r.Bus }
func (r WriteUDPRequest) replyTo() *bus.Bus            { return r.Bus }
func (r GetLocalIPAddressesRequest) replyTo() *bus.Bus { return r.Bus }
func (r KillRequest) replyTo() *bus.Bus                { return nil }

func (GetNextIDResponse) isResponse()           {}
func (CreateTCPResponse) isResponse()           {}
func (CreateUDPResponse) isResponse()           {}
func (CloseResponse) isResponse()               {}
func (WriteTCPResponse) isResponse()            {}
func (WriteUDPResponse) isResponse()            {}
func (GetLocalIPAddressesResponse) isResponse() {}
func (ErrorResponse) isResponse()               {}

func (ConnectedTCPNotification) isNotification()  {}
func (ReadTCPNotification) isNotification()       {}
func (ReadClosedTCPNotification) isNotification() {}
func (ReadUDPNotification) isNotification()       {}
func (WriteEmptyNotification) isNotification()    {}
func (ErrorNotification) isNotification()         {}
