// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/pkusys/halfmoon/internal/gateway"
	"github.com/pkusys/halfmoon/internal/nodemanager"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from each individual package, e.g., 'gateway.DefaultConfig'.

  (2) Optional configuration files (in json format) can be specified via command-line flags '-gatewayCfg' and '-nodeCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-httpPort=ZZZ'.

*/

var (
	// Default configurations.
	gatewayCfg = gateway.DefaultConfig
	nodeCfg    = nodemanager.DefaultConfig

	// Config file names.
	gatewayFile = flag.String("gatewayCfg", "", "configuration file for gateway server")
	nodeFile    = flag.String("nodeCfg", "", "configuration file for node manager")

	// Gateway config parameters.
	addr         = flag.String("addr", "", "address to listen on")
	hostname     = flag.String("hostname", "", "host advertised to service discovery")
	enginePort   = flag.Int("enginePort", -1, "port for engine connections")
	httpPort     = flag.Int("httpPort", -1, "port for HTTP requests")
	grpcPort     = flag.Int("grpcPort", -1, "port for gRPC requests, 0 to disable")
	funcConfig   = flag.String("funcConfig", "", "path of the function config file")
	numIOWorkers = flag.Int("numIOWorkers", -1, "number of IO workers")
	discoveryURL = flag.String("discoveryURL", "", "base URL of the coordination service")

	// Node manager parameters.
	perNodeConcurrency = flag.Int("perNodeConcurrency", -1, "max outstanding calls per engine node")
)

// Initialize config parameters. It first tries to read from configuration files
// and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	// Read from configuration files.

	// Gateway server.
	if "" != *gatewayFile {
		f, err := os.Open(*gatewayFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&gatewayCfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	// Node manager.
	if "" != *nodeFile {
		f, err := os.Open(*nodeFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&nodeCfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	// Override values from command-line flags.
	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.

	if "" != *addr {
		gatewayCfg.Addr = *addr
	}
	if "" != *hostname {
		gatewayCfg.Hostname = *hostname
	}
	if *enginePort != -1 {
		gatewayCfg.EnginePort = *enginePort
	}
	if *httpPort != -1 {
		gatewayCfg.HTTPPort = *httpPort
	}
	if *grpcPort != -1 {
		gatewayCfg.GrpcPort = *grpcPort
	}
	if "" != *funcConfig {
		gatewayCfg.FuncConfigFile = *funcConfig
	}
	if *numIOWorkers != -1 {
		gatewayCfg.NumIOWorkers = *numIOWorkers
	}
	if "" != *discoveryURL {
		gatewayCfg.DiscoveryURL = *discoveryURL
	}
	if *perNodeConcurrency != -1 {
		nodeCfg.PerNodeConcurrency = *perNodeConcurrency
	}
}

func main() {
	srv, err := gateway.NewServer(gatewayCfg, nodeCfg)
	if nil != err {
		log.Fatalf("failed to create gateway server: %s", err)
	}
	if err = srv.Start(); nil != err {
		log.Fatalf("gateway server failed: %s", err)
	}
}
