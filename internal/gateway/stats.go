// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pkusys/halfmoon/internal/core"
)

// serverStats holds the gateway-wide request counters and samplers. All
// interval and delay samples are in microseconds, taken from the monotonic
// clock. The dispatcher samples them under its own mutex; the prometheus
// objects do their own synchronization on top, which keeps them safe for the
// status page to read concurrently.
//
// The collectors are created unregistered; Server.Start registers them with
// the default registry. Tests build Dispatchers freely without colliding on
// metric names.
type serverStats struct {
	incomingRequests   prometheus.Counter
	requestInterval    prometheus.Summary
	requestsInstantRps prometheus.Summary
	inflightRequests   prometheus.Summary
	runningRequests    prometheus.Summary
	queueingDelay      prometheus.Summary
	dispatchOverhead   prometheus.Summary

	perFuncIncoming *prometheus.CounterVec
	perFuncInterval *prometheus.SummaryVec
	perFuncE2eDelay *prometheus.SummaryVec
}

func newServerStats() *serverStats {
	summary := func(name string) prometheus.Summary {
		return prometheus.NewSummary(prometheus.SummaryOpts{Name: name})
	}
	return &serverStats{
		incomingRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_incoming_requests",
		}),
		requestInterval:    summary("gateway_request_interval_us"),
		requestsInstantRps: summary("gateway_requests_instant_rps"),
		inflightRequests:   summary("gateway_inflight_requests"),
		runningRequests:    summary("gateway_running_requests"),
		queueingDelay:      summary("gateway_queueing_delay_us"),
		dispatchOverhead:   summary("gateway_dispatch_overhead_us"),
		perFuncIncoming: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_incoming_requests_per_func",
		}, []string{"func_id"}),
		perFuncInterval: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "gateway_request_interval_per_func_us",
		}, []string{"func_id"}),
		perFuncE2eDelay: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "gateway_end2end_delay_per_func_us",
		}, []string{"func_id"}),
	}
}

// collectors returns everything that should be registered for /metrics.
func (s *serverStats) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.incomingRequests, s.requestInterval, s.requestsInstantRps,
		s.inflightRequests, s.runningRequests, s.queueingDelay,
		s.dispatchOverhead, s.perFuncIncoming, s.perFuncInterval,
		s.perFuncE2eDelay,
	}
}

// perFuncStat tracks the per-function request stream. Created lazily under
// the dispatcher mutex on first sight of a func id; lastRequestTimestamp is
// only ever touched under that mutex.
type perFuncStat struct {
	funcID               core.FuncID
	lastRequestTimestamp int64

	incoming prometheus.Counter
	interval prometheus.Observer
	e2eDelay prometheus.Observer
}

func newPerFuncStat(s *serverStats, funcID core.FuncID) *perFuncStat {
	label := fmt.Sprintf("%d", funcID)
	return &perFuncStat{
		funcID:               funcID,
		lastRequestTimestamp: -1,
		incoming:             s.perFuncIncoming.WithLabelValues(label),
		interval:             s.perFuncInterval.WithLabelValues(label),
		e2eDelay:             s.perFuncE2eDelay.WithLabelValues(label),
	}
}
