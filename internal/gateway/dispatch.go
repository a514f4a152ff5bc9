// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"container/list"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/pkusys/halfmoon/internal/core"
	"github.com/pkusys/halfmoon/internal/funcconfig"
)

// NodeManager is the placement and capacity-accounting collaborator. All
// methods must be callable from any goroutine and must not block on I/O.
type NodeManager interface {
	// PickNodeForNewFuncCall returns the node to run the call on, or
	// false when no node has capacity. A successful pick charges the
	// node's accounting; FuncCallFinished releases it.
	PickNodeForNewFuncCall(call core.FuncCall) (core.NodeID, bool)

	// FuncCallFinished releases capacity accounting for the call.
	// Idempotent for a given call.
	FuncCallFinished(call core.FuncCall, nodeID core.NodeID)

	// SendMessage enqueues a frame toward the node. False means the node
	// did not receive the call.
	SendMessage(nodeID core.NodeID, msg core.Message, payload []byte) bool
}

// funcCallState is the gateway's record for a call between receipt and
// completion.
type funcCallState struct {
	call core.FuncCall

	// connID is the originating client connection, or -1 for async calls.
	connID int64

	// ctx is nil exactly when connID is -1.
	ctx *FuncCallContext

	recvTimestamp     int64 // µs
	dispatchTimestamp int64 // µs, 0 until dispatched

	// input is populated only when the call is async and could not be
	// dispatched immediately; synchronous and immediately-dispatched
	// calls refer to the caller-owned buffer instead.
	input pendingInput
}

// Dispatcher is the dispatch core: it owns the five cross-referenced call
// tables and maps live client connections and arriving invocations onto
// engine nodes.
//
// Locking: mu guards the tables and the rate-stat timestamps. It is never
// held across NodeManager calls or adapter callbacks; every entry point is
// shaped as prepare outside lock / short critical section / act outside
// lock / optional short bookkeeping section.
type Dispatcher struct {
	funcConfig *funcconfig.Config
	nodeMgr    NodeManager
	stats      *serverStats

	nextCallID uint32 // atomic; first id handed out is 1

	mu                   sync.Mutex
	connections          map[int64]ClientConnection
	engineConnections    map[int64]*EngineConnection
	runningFuncCalls     map[core.FullCallID]*funcCallState
	pendingFuncCalls     *list.List // of *funcCallState, FIFO
	discardedFuncCalls   map[core.FullCallID]struct{}
	perFuncStats         map[core.FuncID]*perFuncStat
	lastRequestTimestamp int64
}

// NewDispatcher creates the dispatch core.
func NewDispatcher(funcConfig *funcconfig.Config, nodeMgr NodeManager) *Dispatcher {
	return &Dispatcher{
		funcConfig:           funcConfig,
		nodeMgr:              nodeMgr,
		stats:                newServerStats(),
		connections:          make(map[int64]ClientConnection),
		engineConnections:    make(map[int64]*EngineConnection),
		runningFuncCalls:     make(map[core.FullCallID]*funcCallState),
		pendingFuncCalls:     list.New(),
		discardedFuncCalls:   make(map[core.FullCallID]struct{}),
		perFuncStats:         make(map[core.FuncID]*perFuncStat),
		lastRequestTimestamp: -1,
	}
}

// RegisterConnection adds a live client connection to the core's table. The
// connection stays valid for completion delivery until OnConnectionClose.
func (d *Dispatcher) RegisterConnection(conn ClientConnection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connections[conn.ID()] = conn
}

// OnConnectionClose removes a client connection. Calls still in flight on it
// become orphaned; the completion path detects that lazily.
func (d *Dispatcher) OnConnectionClose(conn ClientConnection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.connections, conn.ID())
}

// OnNewHTTPFuncCall handles a parsed HTTP request. Name resolution happens
// before a call id is assigned, so invalid requests don't consume ids.
func (d *Dispatcher) OnNewHTTPFuncCall(conn ClientConnection, fc *FuncCallContext) {
	entry := d.funcConfig.FindByName(fc.FuncName)
	if entry == nil || entry.IsGrpcService {
		fc.Status = core.StatusNotFound
		conn.OnFuncCallFinished(fc)
		return
	}
	callID := core.CallID(atomic.AddUint32(&d.nextCallID, 1))
	fc.call = core.NewFuncCall(entry.FuncID, 0, callID)
	log.V(1).Infof("OnNewHTTPFuncCall: %s", fc.call.String())
	d.onNewFuncCallCommon(conn, fc)
}

// OnNewGrpcFuncCall handles a parsed gRPC request; identical to the HTTP
// path apart from method-name resolution.
func (d *Dispatcher) OnNewGrpcFuncCall(conn ClientConnection, fc *FuncCallContext) {
	entry := d.funcConfig.FindByName(fc.FuncName)
	if entry == nil || !entry.IsGrpcService {
		fc.Status = core.StatusNotFound
		conn.OnFuncCallFinished(fc)
		return
	}
	methodID, ok := entry.GrpcMethodIDs[fc.MethodName]
	if !ok {
		fc.Status = core.StatusNotFound
		conn.OnFuncCallFinished(fc)
		return
	}
	callID := core.CallID(atomic.AddUint32(&d.nextCallID, 1))
	fc.call = core.NewFuncCallWithMethod(entry.FuncID, methodID, 0, callID)
	log.V(1).Infof("OnNewGrpcFuncCall: %s", fc.call.String())
	d.onNewFuncCallCommon(conn, fc)
}

// DiscardFuncCall records a cancellation tombstone for the call. The tables
// are not scanned; the tombstone is consumed when the call is next observed
// (pending drain or completion).
func (d *Dispatcher) DiscardFuncCall(fc *FuncCallContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discardedFuncCalls[fc.call.FullID()] = struct{}{}
}

// OnNewEngineConnection registers a handshaken engine connection and
// re-drives the pending queue, since new capacity may have arrived.
func (d *Dispatcher) OnNewEngineConnection(ec *EngineConnection) {
	d.mu.Lock()
	d.engineConnections[ec.ID()] = ec
	d.mu.Unlock()
	d.tryDispatchingPendingFuncCalls()
}

// OnEngineConnectionClose removes an engine connection. Calls outstanding on
// that node surface as send failures or stay in the running table until a
// completion for them arrives; the core does not time them out itself.
func (d *Dispatcher) OnEngineConnectionClose(ec *EngineConnection) {
	log.Warningf("EngineConnection (node_id=%d, conn_id=%d) disconnected", ec.NodeID(), ec.ConnID())
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.engineConnections, ec.ID())
}

// tickNewFuncCall updates the per-function request stream under d.mu.
// currentTimestamp has already been bumped past the global
// lastRequestTimestamp; the per-function stream applies its own bump so each
// recorded interval is strictly positive.
func (d *Dispatcher) tickNewFuncCall(funcID core.FuncID, currentTimestamp int64) {
	pf := d.perFuncStats[funcID]
	if pf == nil {
		pf = newPerFuncStat(d.stats, funcID)
		d.perFuncStats[funcID] = pf
	}
	pf.incoming.Inc()
	if currentTimestamp <= pf.lastRequestTimestamp {
		currentTimestamp = pf.lastRequestTimestamp + 1
	}
	if pf.lastRequestTimestamp != -1 {
		pf.interval.Observe(float64(currentTimestamp - pf.lastRequestTimestamp))
	}
	pf.lastRequestTimestamp = currentTimestamp
}

func (d *Dispatcher) onNewFuncCallCommon(conn ClientConnection, fc *FuncCallContext) {
	call := fc.call
	state := &funcCallState{
		call:   call,
		connID: -1,
	}
	if !fc.Async {
		state.connID = conn.ID()
		state.ctx = fc
	}

	nodeID, picked := d.nodeMgr.PickNodeForNewFuncCall(call)

	d.mu.Lock()
	currentTimestamp := core.MonotonicMicros()
	state.recvTimestamp = currentTimestamp
	d.stats.incomingRequests.Inc()
	if currentTimestamp <= d.lastRequestTimestamp {
		currentTimestamp = d.lastRequestTimestamp + 1
	}
	if d.lastRequestTimestamp != -1 {
		d.stats.requestsInstantRps.Observe(1e6 / float64(currentTimestamp-d.lastRequestTimestamp))
		d.stats.requestInterval.Observe(float64(currentTimestamp - d.lastRequestTimestamp))
	}
	d.lastRequestTimestamp = currentTimestamp
	d.tickNewFuncCall(call.FuncID, currentTimestamp)
	d.stats.inflightRequests.Observe(float64(len(d.runningFuncCalls) + d.pendingFuncCalls.Len() + 1))
	if !picked {
		if fc.Async {
			// The caller-owned buffer may vanish once we acknowledge.
			state.input = capturePendingInput(fc.Input)
		}
		d.pendingFuncCalls.PushBack(state)
	}
	d.mu.Unlock()

	dispatched := false
	if fc.Async {
		if !picked {
			fc.Status = core.StatusSuccess
		} else if d.dispatchAsyncFuncCall(call, fc.Input, nodeID) {
			dispatched = true
			fc.Status = core.StatusSuccess
		} else {
			fc.Status = core.StatusNotFound
		}
		// The async ack reports acceptance, not execution outcome.
		conn.OnFuncCallFinished(fc)
	} else if picked && d.dispatchFuncCall(conn, fc, nodeID) {
		dispatched = true
	}

	if dispatched {
		d.mu.Lock()
		state.dispatchTimestamp = state.recvTimestamp
		d.runningFuncCalls[call.FullID()] = state
		d.stats.runningRequests.Observe(float64(len(d.runningFuncCalls)))
		d.mu.Unlock()
	}
}

// tryDispatchingPendingFuncCalls drains the pending queue in FIFO order,
// skipping cancelled calls and sync calls whose client is gone. A placement
// failure pushes the head back to the front and stops: head-of-line blocking
// keeps older requests from starving when only some nodes are saturated.
func (d *Dispatcher) tryDispatchingPendingFuncCalls() {
	d.mu.Lock()
	for d.pendingFuncCalls.Len() > 0 {
		front := d.pendingFuncCalls.Front()
		d.pendingFuncCalls.Remove(front)
		state := front.Value.(*funcCallState)
		fullID := state.call.FullID()
		if _, discarded := d.discardedFuncCalls[fullID]; discarded {
			delete(d.discardedFuncCalls, fullID)
			continue
		}
		asyncCall := state.connID == -1
		var parent ClientConnection
		if !asyncCall {
			var ok bool
			if parent, ok = d.connections[state.connID]; !ok {
				continue
			}
		}
		d.mu.Unlock()

		nodeID, picked := d.nodeMgr.PickNodeForNewFuncCall(state.call)
		dispatched := false
		if picked {
			if asyncCall {
				input, err := state.input.bytes()
				if err != nil {
					log.Errorf("dropping queued call %s: cannot recover input: %v", state.call.String(), err)
					d.nodeMgr.FuncCallFinished(state.call, nodeID)
					d.mu.Lock()
					continue
				}
				dispatched = d.dispatchAsyncFuncCall(state.call, input, nodeID)
			} else {
				dispatched = d.dispatchFuncCall(parent, state.ctx, nodeID)
			}
		}

		d.mu.Lock()
		if !picked {
			d.pendingFuncCalls.PushFront(state)
			break
		}
		state.dispatchTimestamp = core.MonotonicMicros()
		d.stats.queueingDelay.Observe(float64(state.dispatchTimestamp - state.recvTimestamp))
		if dispatched {
			d.runningFuncCalls[fullID] = state
			d.stats.runningRequests.Observe(float64(len(d.runningFuncCalls)))
		}
	}
	d.mu.Unlock()
}

// dispatchFuncCall sends a synchronous call toward the node. On send failure
// the node's accounting is released and the client side finishes with
// StatusNotFound.
func (d *Dispatcher) dispatchFuncCall(parent ClientConnection, fc *FuncCallContext, nodeID core.NodeID) bool {
	msg := core.NewDispatchFuncCall(fc.call)
	msg.PayloadSize = uint32(len(fc.Input))
	if !d.nodeMgr.SendMessage(nodeID, msg, fc.Input) {
		d.nodeMgr.FuncCallFinished(fc.call, nodeID)
		fc.Status = core.StatusNotFound
		parent.OnFuncCallFinished(fc)
		return false
	}
	return true
}

// dispatchAsyncFuncCall sends an async call toward the node, releasing
// accounting on failure. The client side is resolved by the caller.
func (d *Dispatcher) dispatchAsyncFuncCall(call core.FuncCall, input []byte, nodeID core.NodeID) bool {
	msg := core.NewDispatchFuncCall(call)
	msg.PayloadSize = uint32(len(input))
	if !d.nodeMgr.SendMessage(nodeID, msg, input) {
		d.nodeMgr.FuncCallFinished(call, nodeID)
		return false
	}
	return true
}

// OnRecvEngineMessage is the entry point for frames arriving on an engine
// connection. Unknown frame types are logged and dropped; the connection is
// kept, tolerating forward-compatible extensions.
func (d *Dispatcher) OnRecvEngineMessage(ec *EngineConnection, msg core.Message, payload []byte) {
	if msg.IsFuncCallComplete() || msg.IsFuncCallFailed() {
		d.handleFuncCallCompleteOrFailed(ec.NodeID(), msg, payload)
	} else {
		log.Errorf("Unknown engine message type %d from node %d", msg.Type, ec.NodeID())
	}
}

func (d *Dispatcher) handleFuncCallCompleteOrFailed(nodeID core.NodeID, msg core.Message, payload []byte) {
	funcCall := msg.Call
	fullID := funcCall.FullID()
	d.nodeMgr.FuncCallFinished(funcCall, nodeID)

	asyncCall := false
	var fc *FuncCallContext
	var parent ClientConnection

	d.mu.Lock()
	state, running := d.runningFuncCalls[fullID]
	if !running {
		d.mu.Unlock()
		log.Errorf("Cannot find running FuncCall: %s", funcCall.String())
		return
	}
	if state.connID == -1 {
		asyncCall = true
	}
	_, discarded := d.discardedFuncCalls[fullID]
	if !asyncCall && !discarded {
		// Check if the corresponding connection is still active.
		if conn, ok := d.connections[state.connID]; ok {
			parent = conn
			fc = state.ctx
		}
	}
	if discarded {
		delete(d.discardedFuncCalls, fullID)
	}
	currentTimestamp := core.MonotonicMicros()
	d.stats.dispatchOverhead.Observe(float64(
		currentTimestamp - state.dispatchTimestamp - int64(msg.ProcessingTime)))
	if asyncCall && msg.IsFuncCallComplete() {
		if pf := d.perFuncStats[funcCall.FuncID]; pf != nil {
			pf.e2eDelay.Observe(float64(currentTimestamp - state.recvTimestamp))
		}
	}
	delete(d.runningFuncCalls, fullID)
	d.mu.Unlock()

	if asyncCall {
		if msg.IsFuncCallFailed() {
			name := "<unknown>"
			if entry := d.funcConfig.FindByID(funcCall.FuncID); entry != nil {
				name = entry.FuncName
			}
			log.Warningf("Async call of %s failed", name)
		}
	} else if fc != nil {
		if msg.IsFuncCallComplete() {
			fc.Status = core.StatusSuccess
			fc.Output.Write(payload)
		} else {
			fc.Status = core.StatusFailed
		}
		parent.OnFuncCallFinished(fc)
	}

	// Freed capacity may unblock the head of the pending queue.
	d.tryDispatchingPendingFuncCalls()
}

// NumRunning returns the size of the running table, for the status page.
func (d *Dispatcher) NumRunning() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningFuncCalls)
}

// NumPending returns the length of the pending queue, for the status page.
func (d *Dispatcher) NumPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingFuncCalls.Len()
}

// NumConnections returns how many client connections are live.
func (d *Dispatcher) NumConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections)
}

// NumEngineConnections returns how many engine connections are live.
func (d *Dispatcher) NumEngineConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.engineConnections)
}
