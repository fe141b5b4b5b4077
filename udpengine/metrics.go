// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package udpengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the engine does across calls.
type Metrics struct {
	Sent          prometheus.Counter
	Retransmitted prometheus.Counter
	Answered      prometheus.Counter
	Rejected      prometheus.Counter
	Exhausted     prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portmapper",
			Subsystem: "udpengine",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		Sent:          counter("requests_sent_total", "Request datagrams handed to the gateway."),
		Retransmitted: counter("requests_retransmitted_total", "Request datagrams sent after the first attempt."),
		Answered:      counter("exchanges_answered_total", "Exchanges that received an acceptable answer."),
		Rejected:      counter("datagrams_rejected_total", "Datagrams from a destination that failed to decode."),
		Exhausted:     counter("exchanges_exhausted_total", "Exchanges that ran out of schedule unanswered."),
	}
	if reg != nil {
		reg.MustRegister(m.Sent, m.Retransmitted, m.Answered, m.Rejected, m.Exhausted)
	}
	return m
}
