// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Command portmap discovers the port mapping protocols of the local
// routers and asks them for mappings.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/portmapper"
	"storj.io/portmapper/mapper"
	"storj.io/portmapper/natpmp"
	"storj.io/portmapper/network"
	"storj.io/portmapper/pcp"
	"storj.io/portmapper/process"
	"storj.io/portmapper/udpengine"
)

var (
	mainCmd = &cobra.Command{
		Use:           "portmap",
		Short:         "Find port mapping routers and request mappings from them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	globalFlags = struct {
		debug       bool
		protocols   []string
		gateway     net.IP
		metricsAddr string
		timeout     time.Duration
	}{}
)

func init() {
	flags := mainCmd.PersistentFlags()
	flags.BoolVar(&globalFlags.debug, "debug", false, "log per-packet detail")
	flags.StringSliceVar(&globalFlags.protocols, "protocol", []string{"pcp", "natpmp", "upnp"},
		"protocols to try, in order of preference")
	flags.IPVar(&globalFlags.gateway, "gateway", nil, "router to talk to instead of the default gateway")
	flags.StringVar(&globalFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.DurationVar(&globalFlags.timeout, "timeout", 30*time.Second, "give up on discovery after this long")

	mainCmd.AddCommand(discoverCmd, mapCmd, unmapCmd, routesCmd)
}

func main() {
	if err := mainCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "portmap: %v\n", err)
		os.Exit(1)
	}
}

// env holds what every subcommand runs on.
type env struct {
	logger   logr.Logger
	network  *network.Gateway
	process  *process.Gateway
	registry *prometheus.Registry
	engine   *udpengine.Metrics
	server   *http.Server
}

func newLogger(debug bool) (logr.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if debug {
		// zapr maps V(n) onto zap level -n
		logConfig.Level.SetLevel(zapcore.Level(-1))
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zapLogger, err := logConfig.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zapLogger), nil
}

func newEnv() (*env, error) {
	logger, err := newLogger(globalFlags.debug)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	e := &env{
		logger:   logger,
		registry: registry,
		engine:   udpengine.NewMetrics(registry),
		network: network.NewGateway(
			network.WithLogger(logger.WithName("network")),
			network.WithMetrics(network.NewMetrics(registry))),
		process: process.NewGateway(process.WithLogger(logger.WithName("process"))),
	}
	if globalFlags.metricsAddr != "" {
		listener, err := net.Listen("tcp", globalFlags.metricsAddr)
		if err != nil {
			e.close()
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := e.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics server stopped")
			}
		}()
		logger.Info("serving metrics", "address", listener.Addr().String())
	}
	return e, nil
}

func (e *env) close() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.server.Shutdown(ctx)
		cancel()
	}
	_ = e.network.Close()
	_ = e.process.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func wants(protocol string) bool {
	for _, p := range globalFlags.protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// mappers returns the controllers to use, most preferred first. With an
// explicit gateway, NAT-PMP and PCP controllers are built without probing.
func (e *env) mappers(ctx context.Context) ([]mapper.PortMapper, error) {
	ctx, cancel := context.WithTimeout(ctx, globalFlags.timeout)
	defer cancel()

	if globalFlags.gateway != nil {
		var found []mapper.PortMapper
		for _, p := range globalFlags.protocols {
			switch p {
			case "pcp":
				found = append(found, pcp.NewController(e.network.Bus(), e.process.Bus(), globalFlags.gateway, nil,
					pcp.WithLogger(e.logger.WithName("pcp")), pcp.WithEngineMetrics(e.engine)))
			case "natpmp":
				found = append(found, natpmp.NewController(e.network.Bus(), e.process.Bus(), globalFlags.gateway, nil,
					natpmp.WithLogger(e.logger.WithName("natpmp")), natpmp.WithEngineMetrics(e.engine)))
			}
		}
		if len(found) > 0 {
			return found, nil
		}
	}

	found, err := portmapper.Discover(ctx, e.network.Bus(), e.process.Bus(),
		portmapper.WithLogger(e.logger),
		portmapper.WithMetrics(e.engine),
		portmapper.WithPCP(wants("pcp")),
		portmapper.WithNATPMP(wants("natpmp")),
		portmapper.WithUPnP(wants("upnp")))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errors.New("no port mapping router found")
	}
	return found, nil
}

func portArgs(args []string) (mapper.PortType, []int, error) {
	portType, err := mapper.ParsePortType(args[0])
	if err != nil {
		return 0, nil, err
	}
	var ports []int
	for _, arg := range args[1:] {
		port, err := strconv.Atoi(arg)
		if err != nil || port <= 0 || port > 65535 {
			return 0, nil, fmt.Errorf("invalid port %q", arg)
		}
		ports = append(ports, port)
	}
	return portType, ports, nil
}

// lifetimeFlag registers --lifetime on flags.
func lifetimeFlag(flags *pflag.FlagSet, target *time.Duration) {
	flags.DurationVar(target, "lifetime", 2*time.Hour, "requested mapping lifetime")
}
