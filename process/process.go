// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process runs external programs on behalf of bus clients. It is
// the counterpart of the network gateway for the few places that need to
// ask the operating system something only a command line tool can answer,
// like the routing table.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"storj.io/portmapper/bus"
)

// ErrGatewayClosed is reported for runs still in progress when the gateway
// is killed.
var ErrGatewayClosed = errors.New("process: gateway closed")

const killWaitDelay = time.Second

// RunRequest starts Executable with Args. Bus receives exactly one
// RunResponse or ErrorResponse carrying ID.
type RunRequest struct {
	ID         int
	Bus        *bus.Bus
	Executable string
	Args       []string
}

// RunResponse carries the captured output of a finished run. A non-zero
// ExitCode is not an error.
type RunResponse struct {
	ID       int
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ErrorResponse reports a run that could not be started or was cut short.
type ErrorResponse struct {
	ID      int
	Request RunRequest
	Err     error
}

func (e ErrorResponse) Error() string {
	return fmt.Sprintf("running %s (run %d): %v", e.Request.Executable, e.ID, e.Err)
}

func (e ErrorResponse) Unwrap() error { return e.Err }

// KillRequest stops the gateway and every run in progress.
type KillRequest struct{}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger used by the gateway.
func WithLogger(logger logr.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Gateway executes RunRequests sent to its bus, one goroutine per run.
type Gateway struct {
	logger logr.Logger
	inbox  *bus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	done   chan struct{}
}

// NewGateway starts a process gateway.
func NewGateway(opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		logger: logr.Discard(),
		inbox:  bus.New(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	go g.run()
	return g
}

// Bus returns the gateway's inbox.
func (g *Gateway) Bus() *bus.Bus {
	return g.inbox
}

// Done is closed once the gateway and all of its runs have finished.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

// Close kills the gateway and waits for it.
func (g *Gateway) Close() error {
	g.inbox.Send(KillRequest{})
	<-g.done
	return nil
}

func (g *Gateway) run() {
	defer close(g.done)
	for msg := range g.inbox.C() {
		switch req := msg.(type) {
		case KillRequest:
			g.logger.V(1).Info("process gateway killed")
			g.cancel()
			_ = g.inbox.Close()
			g.runs.Wait()
			return
		case RunRequest:
			g.runs.Add(1)
			go func() {
				defer g.runs.Done()
				g.execute(req)
			}()
		default:
			g.logger.Error(nil, "dropping unknown message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (g *Gateway) execute(req RunRequest) {
	logger := g.logger.WithValues("run", req.ID, "executable", req.Executable)
	cmd := exec.CommandContext(g.ctx, req.Executable, req.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children of a killed process can hold the output pipes open
	cmd.WaitDelay = killWaitDelay

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case g.ctx.Err() != nil:
		req.Bus.Send(ErrorResponse{ID: req.ID, Request: req, Err: ErrGatewayClosed})
		return
	case err == nil:
	case errors.As(err, &exitErr):
	default:
		logger.V(1).Info("run failed", "error", err.Error())
		req.Bus.Send(ErrorResponse{ID: req.ID, Request: req, Err: err})
		return
	}
	logger.V(1).Info("run finished", "exit-code", cmd.ProcessState.ExitCode(), "stdout-len", stdout.Len())
	req.Bus.Send(RunResponse{
		ID:       req.ID,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
	})
}

var nextRunID atomic.Int64

// Run sends a RunRequest to gateway and waits for its outcome.
func Run(ctx context.Context, gateway *bus.Bus, executable string, args ...string) (RunResponse, error) {
	replies := bus.New()
	defer func() { _ = replies.Close() }()

	id := int(nextRunID.Add(1))
	gateway.Send(RunRequest{ID: id, Bus: replies, Executable: executable, Args: args})
	msg, err := replies.Receive(ctx)
	if err != nil {
		return RunResponse{}, err
	}
	switch msg := msg.(type) {
	case RunResponse:
		return msg, nil
	case ErrorResponse:
		return RunResponse{}, msg
	default:
		return RunResponse{}, fmt.Errorf("process: unexpected reply %T", msg)
	}
}
