// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"storj.io/portmapper"
	"storj.io/portmapper/mapper"
	"storj.io/portmapper/routes"
)

var (
	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "List the routers and protocols that answered",
		Args:  cobra.NoArgs,
		RunE:  runDiscover,
	}

	mapFlags = struct {
		lifetime time.Duration
		keep     bool
	}{}

	mapCmd = &cobra.Command{
		Use:   "map <tcp|udp> <internal-port>",
		Short: "Map a port through the first router that grants it",
		Args:  cobra.ExactArgs(2),
		RunE:  runMap,
	}

	unmapCmd = &cobra.Command{
		Use:   "unmap <tcp|udp> <internal-port> <external-port>",
		Short: "Delete a mapping",
		Args:  cobra.ExactArgs(3),
		RunE:  runUnmap,
	}

	routesCmd = &cobra.Command{
		Use:   "routes",
		Short: "Print the default gateway candidates",
		Args:  cobra.NoArgs,
		RunE:  runRoutes,
	}
)

func init() {
	lifetimeFlag(mapCmd.Flags(), &mapFlags.lifetime)
	mapCmd.Flags().BoolVar(&mapFlags.keep, "keep", false,
		"keep refreshing the mapping until interrupted, then delete it")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()
	ctx, cancel := signalContext()
	defer cancel()

	found, err := e.mappers(ctx)
	if err != nil {
		return err
	}
	for _, m := range found {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tsource %v\n", m.Name(), m.SourceAddress())
	}
	return nil
}

func runMap(cmd *cobra.Command, args []string) error {
	portType, ports, err := portArgs(args)
	if err != nil {
		return err
	}
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()
	ctx, cancel := signalContext()
	defer cancel()

	found, err := e.mappers(ctx)
	if err != nil {
		return err
	}
	var (
		mapping mapper.MappedPort
		used    mapper.PortMapper
		errs    error
	)
	for _, m := range found {
		mapping, err = m.MapPort(ctx, portType, ports[0], mapFlags.lifetime)
		if err == nil {
			used = m
			break
		}
		e.logger.Info("mapping refused", "mapper", m.Name(), "error", err.Error())
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.Name(), err))
	}
	if used == nil {
		return errs
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", used.Name(), mapping)
	if !mapFlags.keep {
		return nil
	}

	keeper := portmapper.NewKeeper(
		portmapper.WithKeeperLogger(e.logger.WithName("keeper")),
		portmapper.WithOnRefresh(func(m mapper.MappedPort, err error) {
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed\t%s\n", m)
			}
		}))
	keeper.Add(used, mapping, mapFlags.lifetime)
	err = keeper.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		return err
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	return keeper.Close(closeCtx)
}

func runUnmap(cmd *cobra.Command, args []string) error {
	portType, ports, err := portArgs(args)
	if err != nil {
		return err
	}
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()
	ctx, cancel := signalContext()
	defer cancel()

	found, err := e.mappers(ctx)
	if err != nil {
		return err
	}
	return found[0].UnmapPort(ctx, mapper.MappedPort{
		InternalPort: ports[0],
		ExternalPort: ports[1],
		PortType:     portType,
	})
}

func runRoutes(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.close()
	ctx, cancel := signalContext()
	defer cancel()

	gateways, err := routes.DefaultGateways(ctx, e.process.Bus(), routes.WithLogger(e.logger.WithName("routes")))
	if err != nil {
		return err
	}
	for _, gw := range gateways {
		fmt.Fprintln(cmd.OutOrStdout(), gw)
	}
	return nil
}
