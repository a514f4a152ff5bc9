// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package nodemanager tracks connected engine nodes and makes placement
// decisions for new function calls. It owns the per-node capacity
// accounting; the dispatch core treats it as an opaque oracle.
package nodemanager

import (
	"sort"
	"sync"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/pkusys/halfmoon/internal/core"
)

// Conn is one engine control connection, registered after its handshake.
// Send must not block: it enqueues on the connection's outgoing queue and
// returns false when the queue is full or the connection is closed.
type Conn interface {
	NodeID() core.NodeID
	ConnID() core.ConnID
	Send(msg core.Message, payload []byte) bool
}

// nodeState is the accounting for one engine node. A node may carry several
// control connections; capacity is tracked per node, not per connection.
type nodeState struct {
	conns    []Conn
	inflight int
}

// NodeManager implements placement and capacity accounting for engine nodes.
// All methods are safe to call from any goroutine and never block on I/O.
type NodeManager struct {
	cfg Config

	lock  sync.Mutex
	nodes map[core.NodeID]*nodeState

	// Recently finished calls. FuncCallFinished must be idempotent per
	// call (the completion path and the dispatch-failure path may both
	// report the same call); this absorbs the duplicates.
	finished *lru.Cache
}

// New creates a NodeManager with no connected nodes.
func New(cfg Config) *NodeManager {
	if cfg.PerNodeConcurrency <= 0 {
		cfg.PerNodeConcurrency = DefaultConfig.PerNodeConcurrency
	}
	if cfg.FinishedCallCacheSize <= 0 {
		cfg.FinishedCallCacheSize = DefaultConfig.FinishedCallCacheSize
	}
	return &NodeManager{
		cfg:      cfg,
		nodes:    make(map[core.NodeID]*nodeState),
		finished: lru.New(cfg.FinishedCallCacheSize),
	}
}

// AddConnection registers a handshaken engine connection.
func (nm *NodeManager) AddConnection(conn Conn) {
	nm.lock.Lock()
	defer nm.lock.Unlock()
	ns := nm.nodes[conn.NodeID()]
	if ns == nil {
		ns = &nodeState{}
		nm.nodes[conn.NodeID()] = ns
	}
	ns.conns = append(ns.conns, conn)
}

// RemoveConnection unregisters a closed engine connection. When the last
// connection of a node goes away, the node and its accounting are dropped;
// later sends to it fail, and FuncCallFinished for a call still outstanding
// on it finds no node to release.
func (nm *NodeManager) RemoveConnection(conn Conn) {
	nm.lock.Lock()
	defer nm.lock.Unlock()
	ns := nm.nodes[conn.NodeID()]
	if ns == nil {
		return
	}
	for i, c := range ns.conns {
		if c == conn {
			ns.conns = append(ns.conns[:i], ns.conns[i+1:]...)
			break
		}
	}
	if len(ns.conns) == 0 {
		delete(nm.nodes, conn.NodeID())
	}
}

// PickNodeForNewFuncCall picks the node to run the given call: the
// least-loaded connected node with free capacity, ties broken by lowest node
// id. On success the node's inflight accounting is charged immediately; the
// caller releases it through FuncCallFinished (completion, or send failure).
func (nm *NodeManager) PickNodeForNewFuncCall(call core.FuncCall) (core.NodeID, bool) {
	nm.lock.Lock()
	defer nm.lock.Unlock()
	var best *nodeState
	var bestID core.NodeID
	for id, ns := range nm.nodes {
		if len(ns.conns) == 0 || ns.inflight >= nm.cfg.PerNodeConcurrency {
			continue
		}
		if best == nil || ns.inflight < best.inflight ||
			(ns.inflight == best.inflight && id < bestID) {
			best = ns
			bestID = id
		}
	}
	if best == nil {
		return 0, false
	}
	best.inflight++
	log.V(2).Infof("picked node %d for %s (inflight=%d)", bestID, call.String(), best.inflight)
	return bestID, true
}

// FuncCallFinished releases the capacity charged for the call on the given
// node. Idempotent for a given call.
func (nm *NodeManager) FuncCallFinished(call core.FuncCall, nodeID core.NodeID) {
	full := call.FullID()
	nm.lock.Lock()
	defer nm.lock.Unlock()
	if _, dup := nm.finished.Get(lru.Key(full)); dup {
		return
	}
	nm.finished.Add(lru.Key(full), struct{}{})
	ns := nm.nodes[nodeID]
	if ns == nil {
		return
	}
	if ns.inflight > 0 {
		ns.inflight--
	}
}

// SendMessage enqueues a frame on one of the node's live connections,
// spreading calls across connections by call id. Returns false if the node
// is unknown or every connection rejects the frame; the caller then assumes
// the node never received the call.
func (nm *NodeManager) SendMessage(nodeID core.NodeID, msg core.Message, payload []byte) bool {
	nm.lock.Lock()
	ns := nm.nodes[nodeID]
	var conns []Conn
	if ns != nil {
		conns = append(conns, ns.conns...)
	}
	nm.lock.Unlock()
	if len(conns) == 0 {
		return false
	}
	start := int(msg.Call.CallID) % len(conns)
	for i := 0; i < len(conns); i++ {
		if conns[(start+i)%len(conns)].Send(msg, payload) {
			return true
		}
	}
	return false
}

// NodeStatus is a point-in-time view of one node, for the status page.
type NodeStatus struct {
	ID       core.NodeID
	Conns    int
	Inflight int
}

// Status returns a snapshot of all connected nodes, sorted by id.
func (nm *NodeManager) Status() []NodeStatus {
	nm.lock.Lock()
	defer nm.lock.Unlock()
	out := make([]NodeStatus, 0, len(nm.nodes))
	for id, ns := range nm.nodes {
		out = append(out, NodeStatus{ID: id, Conns: len(ns.conns), Inflight: ns.inflight})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
