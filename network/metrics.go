// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's collectors. All are labelled by socket kind
// ("tcp" or "udp").
type Metrics struct {
	OpenSockets  *prometheus.GaugeVec
	SocketErrors *prometheus.CounterVec
	BytesRead    *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec
}

// NewMetrics creates the gateway collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpenSockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portmapper",
			Subsystem: "network",
			Name:      "open_sockets",
			Help:      "Number of sockets currently owned by the gateway.",
		}, []string{"kind"}),
		SocketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portmapper",
			Subsystem: "network",
			Name:      "socket_errors_total",
			Help:      "Sockets that failed to open or were torn down on error.",
		}, []string{"kind"}),
		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portmapper",
			Subsystem: "network",
			Name:      "read_bytes_total",
			Help:      "Bytes received on gateway sockets.",
		}, []string{"kind"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portmapper",
			Subsystem: "network",
			Name:      "written_bytes_total",
			Help:      "Bytes sent on gateway sockets.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.OpenSockets, m.SocketErrors, m.BytesRead, m.BytesWritten)
	}
	return m
}
