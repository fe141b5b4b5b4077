// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package udpengine turns UDP request/response exchanges into a blocking,
// timeout-bounded call on top of a network gateway. Any number of
// exchanges run together, each retransmitted on a shared backoff schedule
// until it is answered or the schedule runs out.
package udpengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"storj.io/portmapper/bus"
	"storj.io/portmapper/network"
)

// closeTimeout bounds how long the engine waits for the gateway to confirm
// that its sockets are closed.
const closeTimeout = 5 * time.Second

// ErrNoSchedule is returned when PerformUDPRequests is given an empty
// schedule.
var ErrNoSchedule = errors.New("udpengine: empty backoff schedule")

// Exchange is one logical request. Decode is given the original request so
// it can check that a datagram really answers it; any error means the
// datagram is not an answer and the exchange keeps waiting.
type Exchange[Req, Resp any] struct {
	Source      net.IP
	Destination *net.UDPAddr
	Request     Req
	Encode      func(Req) ([]byte, error)
	Decode      func(Req, []byte) (Resp, error)
}

// Result is the outcome of one exchange. Ok is false if the schedule ran
// out without an acceptable answer.
type Result[Resp any] struct {
	Response Resp
	Ok       bool
}

// Option configures PerformUDPRequests.
type Option func(*config)

type config struct {
	clock   clock.Clock
	logger  logr.Logger
	metrics *Metrics
}

// WithClock sets the time source used for the schedule.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) { cfg.logger = logger }
}

// WithMetrics sets the collectors to report to.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) { cfg.metrics = m }
}

// AcceptAny is a decoder that accepts every datagram. It turns the engine
// into a prober: any reply at all counts as an answer.
func AcceptAny[Req any](_ Req, data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// ExponentialSchedule returns attempts waits starting at initial and
// doubling each time.
func ExponentialSchedule(initial time.Duration, attempts int) []time.Duration {
	schedule := make([]time.Duration, attempts)
	for i := range schedule {
		schedule[i] = initial
		initial *= 2
	}
	return schedule
}

// pending is the engine's state for one exchange.
type pending[Req, Resp any] struct {
	exchange Exchange[Req, Resp]
	encoded  []byte
	socket   *socket
	result   Result[Resp]
}

type socket struct {
	id    int
	local *net.UDPAddr
	// dead is set once the gateway tore the socket down; its exchanges end
	// unanswered.
	dead   bool
	closed bool
}

type engine[Req, Resp any] struct {
	config
	gateway *bus.Bus
	replies *bus.Bus
	sockets map[string]*socket
	byID    map[int]*socket
	pending []*pending[Req, Resp]
}

// PerformUDPRequests runs all exchanges against the gateway reachable
// through gateway and blocks until each one is answered or has exhausted
// schedule. Results are in the same order as exchanges.
//
// Unanswered exchanges are not errors. An error is returned only when the
// engine itself cannot run: a request fails to encode, a socket cannot be
// opened, or ctx is done. Every socket the engine opened is closed before
// it returns.
func PerformUDPRequests[Req, Resp any](ctx context.Context, gateway *bus.Bus, exchanges []Exchange[Req, Resp], schedule []time.Duration, opts ...Option) (results []Result[Resp], err error) {
	if len(schedule) == 0 {
		return nil, ErrNoSchedule
	}
	e := &engine[Req, Resp]{
		config: config{
			clock:  clock.New(),
			logger: logr.Discard(),
		},
		gateway: gateway,
		replies: bus.New(),
		sockets: make(map[string]*socket),
		byID:    make(map[int]*socket),
	}
	for _, opt := range opts {
		opt(&e.config)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	defer func() {
		err = multierr.Append(err, e.closeSockets())
		_ = e.replies.Close()
	}()

	for i, x := range exchanges {
		encoded, err := x.Encode(x.Request)
		if err != nil {
			return nil, fmt.Errorf("encoding request %d: %w", i, err)
		}
		e.pending = append(e.pending, &pending[Req, Resp]{exchange: x, encoded: encoded})
	}
	for _, p := range e.pending {
		s, err := e.openSocket(ctx, p.exchange.Source, p.exchange.Destination)
		if err != nil {
			return nil, err
		}
		p.socket = s
	}

	for step, wait := range schedule {
		if e.finished() {
			break
		}
		e.transmit(step)
		if err := e.collect(ctx, wait); err != nil {
			return nil, err
		}
	}

	results = make([]Result[Resp], len(e.pending))
	for i, p := range e.pending {
		results[i] = p.result
		if !p.result.Ok {
			e.metrics.Exhausted.Inc()
			e.logger.V(1).Info("exchange unanswered", "destination", p.exchange.Destination.String())
		}
	}
	return results, nil
}

// sourceFor picks the bind address for a destination when the exchange
// does not name one.
func sourceFor(source net.IP, destination *net.UDPAddr) net.IP {
	if source != nil {
		return source
	}
	if destination.IP.To4() != nil {
		return net.IPv4zero
	}
	return net.IPv6unspecified
}

// openSocket returns the socket for source, creating it on first use.
func (e *engine[Req, Resp]) openSocket(ctx context.Context, source net.IP, destination *net.UDPAddr) (*socket, error) {
	source = sourceFor(source, destination)
	key := source.String()
	if s, ok := e.sockets[key]; ok {
		return s, nil
	}

	e.gateway.Send(network.GetNextIDRequest{Bus: e.replies})
	msg, err := e.awaitReply(ctx)
	if err != nil {
		return nil, err
	}
	idResp, ok := msg.(network.GetNextIDResponse)
	if !ok {
		return nil, fmt.Errorf("udpengine: unexpected reply %T to id request", msg)
	}

	e.gateway.Send(network.CreateUDPRequest{ID: idResp.ID, Bus: e.replies, SourceAddress: source})
	msg, err = e.awaitReply(ctx)
	if err != nil {
		// the socket may still come up; make sure it does not outlive us
		e.gateway.Send(network.CloseRequest{ID: idResp.ID, Bus: e.replies})
		return nil, err
	}
	switch msg := msg.(type) {
	case network.CreateUDPResponse:
		s := &socket{id: msg.ID, local: msg.LocalAddress}
		e.sockets[key] = s
		e.byID[s.id] = s
		e.logger.V(1).Info("opened socket", "id", s.id, "local", s.local.String())
		return s, nil
	case network.ErrorResponse:
		return nil, fmt.Errorf("udpengine: opening socket on %s: %w", source, msg.Err)
	default:
		return nil, fmt.Errorf("udpengine: unexpected reply %T to create request", msg)
	}
}

// awaitReply returns the next response, skipping notifications. Only used
// while no requests are in flight.
func (e *engine[Req, Resp]) awaitReply(ctx context.Context) (interface{}, error) {
	for {
		msg, err := e.replies.ReceiveFrom(ctx, e.gateway)
		if errors.Is(err, bus.ErrPeerClosed) {
			return nil, fmt.Errorf("udpengine: %w", network.ErrGatewayClosed)
		}
		if err != nil {
			return nil, err
		}
		if n, ok := msg.(network.ErrorNotification); ok {
			if s, ok := e.byID[n.ID]; ok {
				s.dead = true
			}
			continue
		}
		if _, ok := msg.(network.Notification); ok {
			continue
		}
		return msg, nil
	}
}

func (e *engine[Req, Resp]) finished() bool {
	for _, p := range e.pending {
		if !p.result.Ok && !p.socket.dead {
			return false
		}
	}
	return true
}

func (e *engine[Req, Resp]) transmit(step int) {
	for _, p := range e.pending {
		if p.result.Ok || p.socket.dead {
			continue
		}
		e.gateway.Send(network.WriteUDPRequest{
			ID:            p.socket.id,
			Bus:           e.replies,
			RemoteAddress: p.exchange.Destination,
			Data:          append([]byte(nil), p.encoded...),
		})
		e.metrics.Sent.Inc()
		if step > 0 {
			e.metrics.Retransmitted.Inc()
		}
		e.logger.V(1).Info("sent request", "step", step, "socket", p.socket.id,
			"destination", p.exchange.Destination.String(), "len", len(p.encoded))
	}
}

// collect handles replies until wait has elapsed or nothing is left to
// wait for.
func (e *engine[Req, Resp]) collect(ctx context.Context, wait time.Duration) error {
	timer := e.clock.Timer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-e.gateway.Done():
			return fmt.Errorf("udpengine: %w", network.ErrGatewayClosed)
		case msg, ok := <-e.replies.C():
			if !ok {
				return bus.ErrClosed
			}
			e.handle(msg)
			if e.finished() {
				return nil
			}
		}
	}
}

func (e *engine[Req, Resp]) handle(msg interface{}) {
	switch msg := msg.(type) {
	case network.ReadUDPNotification:
		e.match(msg)
	case network.ErrorNotification:
		if s, ok := e.byID[msg.ID]; ok {
			s.dead = true
			e.logger.Info("socket failed, its exchanges end unanswered", "socket", msg.ID, "error", msg.Err.Error())
		}
	case network.ErrorResponse:
		if s, ok := e.byID[msg.ID]; ok && errors.Is(msg.Err, network.ErrUnknownID) {
			s.dead = true
		}
		e.logger.Info("gateway rejected request", "socket", msg.ID, "error", msg.Err.Error())
	case network.WriteUDPResponse, network.WriteEmptyNotification:
	default:
		e.logger.V(1).Info("ignoring message", "type", fmt.Sprintf("%T", msg))
	}
}

// match hands a datagram to the unanswered exchanges sent from the same
// socket to the datagram's source; the first one that decodes it wins.
func (e *engine[Req, Resp]) match(msg network.ReadUDPNotification) {
	for _, p := range e.pending {
		if p.result.Ok || p.socket.id != msg.ID {
			continue
		}
		dest := p.exchange.Destination
		if dest.Port != msg.RemoteAddress.Port || !dest.IP.Equal(msg.RemoteAddress.IP) {
			continue
		}
		resp, err := p.exchange.Decode(p.exchange.Request, msg.Data)
		if err != nil {
			e.metrics.Rejected.Inc()
			e.logger.V(1).Info("rejected datagram", "from", msg.RemoteAddress.String(), "error", err.Error())
			continue
		}
		p.result = Result[Resp]{Response: resp, Ok: true}
		e.metrics.Answered.Inc()
		e.logger.V(1).Info("exchange answered", "from", msg.RemoteAddress.String())
		return
	}
}

// closeSockets closes every socket the engine opened and waits for the
// gateway to confirm.
func (e *engine[Req, Resp]) closeSockets() error {
	open := 0
	for _, s := range e.byID {
		if s.dead {
			continue
		}
		e.gateway.Send(network.CloseRequest{ID: s.id, Bus: e.replies})
		open++
	}
	if open == 0 {
		return nil
	}

	var errs error
	timer := e.clock.Timer(closeTimeout)
	defer timer.Stop()
	for open > 0 {
		select {
		case <-timer.C:
			return multierr.Append(errs, fmt.Errorf("udpengine: %d sockets not confirmed closed", open))
		case <-e.gateway.Done():
			// a stopped gateway has closed every socket
			return errs
		case msg, ok := <-e.replies.C():
			if !ok {
				return multierr.Append(errs, bus.ErrClosed)
			}
			switch msg := msg.(type) {
			case network.CloseResponse:
				open -= e.markClosed(msg.ID)
			case network.ErrorNotification:
				// torn down before the close arrived
				open -= e.markClosed(msg.ID)
			case network.ErrorResponse:
				if _, isClose := msg.Request.(network.CloseRequest); !isClose {
					continue
				}
				if !errors.Is(msg.Err, network.ErrUnknownID) {
					errs = multierr.Append(errs, msg)
				}
				open -= e.markClosed(msg.ID)
			}
		}
	}
	return errs
}

func (e *engine[Req, Resp]) markClosed(id int) int {
	s, ok := e.byID[id]
	if !ok || s.closed {
		return 0
	}
	s.closed = true
	return 1
}
