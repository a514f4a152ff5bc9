// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pkusys/halfmoon/internal/core"
	"github.com/pkusys/halfmoon/internal/funcconfig"
	"github.com/pkusys/halfmoon/internal/nodemanager"
	"github.com/pkusys/halfmoon/internal/server"
	"github.com/pkusys/halfmoon/platform/discovery"
)

// Server is the gateway process: listeners, I/O workers, the dispatch core
// and its collaborators.
type Server struct {
	cfg Config

	funcConfig *funcconfig.Config
	nodeMgr    *nodemanager.NodeManager
	dispatcher *Dispatcher
	ioWorkers  []*ioWorker

	startTime  time.Time
	nextConnID int64 // atomic; process-wide, shared by client and engine conns
}

// NewServer builds a gateway server from the given configs. The function
// configuration file is loaded here; a broken config fails startup.
func NewServer(cfg Config, nodeCfg nodemanager.Config) (*Server, error) {
	if cfg.FuncConfigFile == "" {
		return nil, fmt.Errorf("no function config file given")
	}
	data, err := ioutil.ReadFile(cfg.FuncConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read function config: %v", err)
	}
	funcCfg, err := funcconfig.Load(data)
	if err != nil {
		return nil, err
	}
	if cfg.NumIOWorkers <= 0 {
		return nil, fmt.Errorf("need at least one IO worker")
	}
	s := &Server{
		cfg:        cfg,
		funcConfig: funcCfg,
		nodeMgr:    nodemanager.New(nodeCfg),
		startTime:  time.Now(),
	}
	s.dispatcher = NewDispatcher(funcCfg, s.nodeMgr)
	return s, nil
}

func (s *Server) newConnID() int64 {
	return atomic.AddInt64(&s.nextConnID, 1)
}

// Start brings up the I/O workers and the three listeners, publishes the
// gateway address to discovery, and serves until the process exits. Bind
// and announce failures are returned (the caller treats them as fatal); a
// failure of the HTTP listener itself ends the process via log.Fatalf.
func (s *Server) Start() error {
	log.Infof("Start %d IO workers", s.cfg.NumIOWorkers)
	for i := 0; i < s.cfg.NumIOWorkers; i++ {
		s.ioWorkers = append(s.ioWorkers, newIOWorker(fmt.Sprintf("IO-%d", i), s.cfg.SendQueueCap))
	}

	opm := server.NewOpMetric("gateway_ingress", "proto")

	engineAddr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.EnginePort)
	engineListener, err := net.Listen("tcp", engineAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s for engine connections: %v", engineAddr, err)
	}
	log.Infof("Listen on %s for engine connections", engineAddr)
	go s.acceptEngineLoop(engineListener)

	if s.cfg.GrpcPort != 0 {
		grpcAddr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.GrpcPort)
		grpcListener, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s for gRPC requests: %v", grpcAddr, err)
		}
		log.Infof("Listen on %s for gRPC requests", grpcAddr)
		go newGrpcAdapter(s.dispatcher, opm, s.newConnID).serve(grpcListener)
	}

	prometheus.MustRegister(s.dispatcher.stats.collectors()...)

	// Publish our engine-facing address so engine nodes can find us. The
	// record is ephemeral: liveness evicts it when we exit.
	if s.cfg.DiscoveryURL != "" {
		announcer := &discovery.HTTPAnnouncer{Base: s.cfg.DiscoveryURL}
		name := discovery.Name{
			Cluster: s.cfg.Cluster,
			User:    s.cfg.User,
			Service: discovery.GatewayAddrService,
		}
		gatewayAddr := fmt.Sprintf("%s:%d", s.cfg.Hostname, s.cfg.EnginePort)
		if err := announcer.Announce(context.Background(), name, gatewayAddr); err != nil {
			return fmt.Errorf("failed to publish gateway address: %v", err)
		}
	}

	adapter := newHTTPAdapter(s.dispatcher, s.cfg, opm, s.newConnID)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.statusHandler)
	mux.Handle("/function/", adapter)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/nodes", s.nodesHandler)
	mux.HandleFunc("/_quit", server.QuitHandler)

	httpAddr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.HTTPPort)
	httpServer := &http.Server{
		Addr:        httpAddr,
		Handler:     mux,
		ConnContext: adapter.connContext,
		ConnState:   adapter.connState,
	}
	log.Infof("Listen on %s for HTTP requests", httpAddr)
	err = httpServer.ListenAndServe() // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
	return err
}

// acceptEngineLoop accepts engine control connections and hands each to its
// own handler goroutine.
func (s *Server) acceptEngineLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Errorf("engine listener: %v", err)
			return
		}
		go s.handleEngineConn(conn)
	}
}

// handleEngineConn performs the engine handshake, registers the connection,
// and runs its read loop until the socket dies.
func (s *Server) handleEngineConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	msg, _, err := core.ReadMessage(conn)
	if err != nil {
		log.Errorf("Failed to read handshake message from engine: %v", err)
		conn.Close()
		return
	}
	if !msg.IsEngineHandshake() {
		log.Errorf("Unexpected engine handshake message type %d", msg.Type)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	workerIdx := int(msg.ConnID) % len(s.ioWorkers)
	ec := newEngineConnection(s.newConnID(), msg.NodeID, msg.ConnID, conn, s.ioWorkers[workerIdx])
	log.Infof("New engine connection (node_id=%d, conn_id=%d), assigned to IO worker %d",
		msg.NodeID, msg.ConnID, workerIdx)
	s.nodeMgr.AddConnection(ec)
	s.dispatcher.OnNewEngineConnection(ec)

	for {
		msg, payload, err := core.ReadMessage(conn)
		if err != nil {
			break
		}
		s.dispatcher.OnRecvEngineMessage(ec, msg, payload)
	}
	ec.closeConn()
	s.nodeMgr.RemoveConnection(ec)
	s.dispatcher.OnEngineConnectionClose(ec)
}
