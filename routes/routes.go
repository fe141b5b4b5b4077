// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package routes finds the default gateways of the host. Port mapping
// routers are almost always the default gateway, so these are the
// addresses worth probing.
package routes

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"runtime"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jackpal/gateway"

	"storj.io/portmapper/bus"
	"storj.io/portmapper/process"
)

// ErrNoGateway is returned when no default gateway could be found.
var ErrNoGateway = errors.New("routes: no default gateway found")

// Command is a route table dump to run and scrape.
type Command struct {
	Executable string
	Args       []string
}

// DefaultCommands returns the route dump commands for goos.
func DefaultCommands(goos string) []Command {
	switch goos {
	case "linux":
		return []Command{
			{Executable: "ip", Args: []string{"route", "show", "default"}},
			{Executable: "netstat", Args: []string{"-rn"}},
		}
	case "windows":
		return []Command{{Executable: "route", Args: []string{"print", "-4"}}}
	default:
		return []Command{{Executable: "netstat", Args: []string{"-rn", "-f", "inet"}}}
	}
}

type config struct {
	logger   logr.Logger
	commands []Command
	system   func() (net.IP, error)
}

// Option configures DefaultGateways.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithCommands replaces the route dump commands.
func WithCommands(commands ...Command) Option {
	return func(c *config) { c.commands = commands }
}

// WithSystemLookup replaces the operating system gateway lookup. A nil
// lookup disables it.
func WithSystemLookup(lookup func() (net.IP, error)) Option {
	return func(c *config) { c.system = lookup }
}

// DefaultGateways returns the default gateway candidates, the operating
// system's own answer first, then whatever the route dump commands run
// through processBus report. Duplicates are removed.
func DefaultGateways(ctx context.Context, processBus *bus.Bus, opts ...Option) ([]net.IP, error) {
	cfg := config{
		logger:   logr.Discard(),
		commands: DefaultCommands(runtime.GOOS),
		system:   gateway.DiscoverGateway,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var found []net.IP
	add := func(ips ...net.IP) {
		for _, ip := range ips {
			if !usable(ip) {
				continue
			}
			dup := false
			for _, have := range found {
				if have.Equal(ip) {
					dup = true
					break
				}
			}
			if !dup {
				found = append(found, ip)
			}
		}
	}

	if cfg.system != nil {
		ip, err := cfg.system()
		if err != nil {
			cfg.logger.V(1).Info("system gateway lookup failed", "error", err.Error())
		} else {
			add(ip)
		}
	}
	for _, cmd := range cfg.commands {
		resp, err := process.Run(ctx, processBus, cmd.Executable, cmd.Args...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cfg.logger.V(1).Info("route command failed", "command", cmd.Executable, "error", err.Error())
			continue
		}
		if resp.ExitCode != 0 {
			cfg.logger.V(1).Info("route command exited with error", "command", cmd.Executable,
				"exit-code", resp.ExitCode, "stderr", string(resp.Stderr))
			continue
		}
		add(ParseRoutes(resp.Stdout)...)
	}
	if len(found) == 0 {
		return nil, ErrNoGateway
	}
	cfg.logger.V(1).Info("default gateways", "gateways", found)
	return found, nil
}

// ParseRoutes scrapes default route gateways out of the output of
// `ip route`, `netstat -rn` or `route print`.
func ParseRoutes(output []byte) []net.IP {
	var ips []net.IP
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		var candidate string
		switch {
		case fields[0] == "default" && fields[1] == "via" && len(fields) > 2:
			// ip route: default via 192.168.1.1 dev eth0
			candidate = fields[2]
		case fields[0] == "default":
			// netstat -rn on BSDs: default 192.168.1.1 UGScg en0
			candidate = fields[1]
		case fields[0] == "0.0.0.0" && fields[1] == "0.0.0.0" && len(fields) > 2:
			// route print: 0.0.0.0 0.0.0.0 192.168.1.1 192.168.1.20 25
			candidate = fields[2]
		case fields[0] == "0.0.0.0":
			// netstat -rn on linux: 0.0.0.0 192.168.1.1 0.0.0.0 UG 0 0 0 eth0
			candidate = fields[1]
		default:
			continue
		}
		if ip := net.ParseIP(strings.SplitN(candidate, "%", 2)[0]); usable(ip) {
			ips = append(ips, ip)
		}
	}
	return ips
}

func usable(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified() && !ip.IsLoopback()
}
