// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import "time"

// Config encapsulates parameters for the gateway server.
type Config struct {
	Addr     string // Address the listeners bind to.
	Hostname string // Host advertised to service discovery.

	EnginePort int // Port for engine control connections.
	HTTPPort   int // Port for HTTP function calls and the status page.
	GrpcPort   int // Port for gRPC function calls; 0 disables the listener.

	FuncConfigFile string // Path of the function configuration document.

	NumIOWorkers int // How many I/O workers serve engine connection writes.
	SendQueueCap int // Outgoing frames buffered per I/O worker before Send fails.

	HandshakeTimeout time.Duration // How long an engine may take to handshake.

	MaxIngressRPS      float32       // Requests per second admitted; 0 disables the limiter.
	RejectReqThreshold int           // Requests waiting on the core are rejected past this.
	CallTimeout        time.Duration // Per-request deadline applied by the HTTP adapter; 0 disables.

	DiscoveryURL string // Coordination service base URL; empty disables announcing.
	Cluster      string // Discovery record cluster.
	User         string // Discovery record user.
}

// DefaultConfig includes default values for the gateway server.
var DefaultConfig = Config{
	Addr:               "0.0.0.0",
	Hostname:           "localhost",
	EnginePort:         10007,
	HTTPPort:           8080,
	NumIOWorkers:       4,
	SendQueueCap:       256,
	HandshakeTimeout:   5 * time.Second,
	RejectReqThreshold: 1000,
	Cluster:            "local",
	User:               "faas",
}
