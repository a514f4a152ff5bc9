// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/pkusys/halfmoon/internal/core"
	"github.com/pkusys/halfmoon/internal/funcconfig"
)

const testFuncConfig = `[
  {"funcName": "echo", "funcId": 7},
  {"funcName": "pkg.Service", "funcId": 8, "grpc": true, "grpcMethods": ["Foo"]}
]`

type sentFrame struct {
	nodeID  core.NodeID
	msg     core.Message
	payload []byte
}

// fakeNodeManager is a controllable placement oracle.
type fakeNodeManager struct {
	mu         sync.Mutex
	node       core.NodeID
	allowPicks int // -1 means unlimited
	sendOK     bool
	picks      []core.FuncCall
	sent       []sentFrame
	finished   []core.FuncCall
}

func newFakeNodeManager() *fakeNodeManager {
	return &fakeNodeManager{node: 1, allowPicks: -1, sendOK: true}
}

func (f *fakeNodeManager) PickNodeForNewFuncCall(call core.FuncCall) (core.NodeID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowPicks == 0 {
		return 0, false
	}
	if f.allowPicks > 0 {
		f.allowPicks--
	}
	f.picks = append(f.picks, call)
	return f.node, true
}

func (f *fakeNodeManager) FuncCallFinished(call core.FuncCall, nodeID core.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, call)
}

func (f *fakeNodeManager) SendMessage(nodeID core.NodeID, msg core.Message, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, sentFrame{nodeID: nodeID, msg: msg, payload: buf})
	return true
}

func (f *fakeNodeManager) numSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNodeManager) setAllowPicks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowPicks = n
}

// recordingConn is a ClientConnection that remembers every delivery.
type recordingConn struct {
	id       int64
	mu       sync.Mutex
	finished []*FuncCallContext
}

func (c *recordingConn) ID() int64 { return c.id }

func (c *recordingConn) OnFuncCallFinished(fc *FuncCallContext) {
	c.mu.Lock()
	c.finished = append(c.finished, fc)
	c.mu.Unlock()
	fc.markFinished()
}

func (c *recordingConn) numFinished() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.finished)
}

func newTestDispatcher(t *testing.T, nm NodeManager) *Dispatcher {
	funcCfg, err := funcconfig.Load([]byte(testFuncConfig))
	if err != nil {
		t.Fatalf("func config: %v", err)
	}
	return NewDispatcher(funcCfg, nm)
}

// testEngineConn builds an EngineConnection good enough for feeding frames
// into the dispatcher: no socket, no worker.
func testEngineConn(id int64, nodeID core.NodeID) *EngineConnection {
	return newEngineConnection(id, nodeID, core.ConnID(id), nil, nil)
}

// S1: happy-path synchronous HTTP call.
func TestSyncCallHappyPath(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", false, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)

	if fc.call.CallID != 1 {
		t.Errorf("first call must get call_id 1, got %d", fc.call.CallID)
	}
	if fc.call.FuncID != 7 {
		t.Errorf("expected func_id 7, got %d", fc.call.FuncID)
	}
	if len(nm.sent) != 1 {
		t.Fatalf("expected one dispatch frame, got %d", len(nm.sent))
	}
	frame := nm.sent[0]
	if !frame.msg.IsDispatchFuncCall() || frame.msg.PayloadSize != 2 || string(frame.payload) != "hi" {
		t.Errorf("bad dispatch frame: %+v payload %q", frame.msg, frame.payload)
	}
	fullID := core.NewFuncCall(7, 0, 1).FullID()
	d.mu.Lock()
	_, running := d.runningFuncCalls[fullID]
	d.mu.Unlock()
	if !running {
		t.Fatalf("call %s must be in the running table", fullID)
	}

	// Engine completes with output "HI".
	msg := core.NewFuncCallComplete(fc.call, 500)
	msg.PayloadSize = 2
	d.OnRecvEngineMessage(testEngineConn(1, 1), msg, []byte("HI"))

	if fc.Status != core.StatusSuccess {
		t.Errorf("expected success, got %s", fc.Status)
	}
	if fc.Output.String() != "HI" {
		t.Errorf("expected output HI, got %q", fc.Output.String())
	}
	if conn.numFinished() != 1 {
		t.Errorf("OnFuncCallFinished must run exactly once, got %d", conn.numFinished())
	}
	if d.NumRunning() != 0 {
		t.Errorf("running table must be empty")
	}
	if len(nm.finished) != 1 {
		t.Errorf("node accounting must be released once, got %d", len(nm.finished))
	}
}

// S2: queued while no engine is connected, drained when one arrives.
func TestQueuedThenDrained(t *testing.T) {
	nm := newFakeNodeManager()
	nm.setAllowPicks(0)
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", false, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)

	if fc.call.CallID != 1 {
		t.Errorf("call_id must still be assigned, got %d", fc.call.CallID)
	}
	if d.NumPending() != 1 || nm.numSent() != 0 {
		t.Fatalf("call must be queued without dispatch: pending=%d sent=%d", d.NumPending(), nm.numSent())
	}

	nm.setAllowPicks(-1)
	d.OnNewEngineConnection(testEngineConn(1, 1))

	if d.NumPending() != 0 {
		t.Errorf("pending queue must drain")
	}
	if d.NumRunning() != 1 {
		t.Errorf("drained call must be running")
	}
	if nm.numSent() != 1 {
		t.Errorf("drained call must be dispatched")
	}
	d.mu.Lock()
	state := d.runningFuncCalls[fc.call.FullID()]
	d.mu.Unlock()
	if state == nil || state.dispatchTimestamp < state.recvTimestamp {
		t.Errorf("dispatch timestamp must be stamped at drain time")
	}
}

// S3: client disconnects while the call runs; completion is orphaned.
func TestClientDisconnectsMidCall(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", false, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)
	if d.NumRunning() != 1 {
		t.Fatal("call must be running")
	}

	d.OnConnectionClose(conn)

	msg := core.NewFuncCallComplete(fc.call, 500)
	msg.PayloadSize = 2
	d.OnRecvEngineMessage(testEngineConn(1, 1), msg, []byte("HI"))

	if conn.numFinished() != 0 {
		t.Errorf("orphaned completion must not be delivered")
	}
	if d.NumRunning() != 0 {
		t.Errorf("running table must still be cleared")
	}
	if len(nm.finished) != 1 {
		t.Errorf("node accounting must still be released")
	}
}

// S4: async call cancelled before capacity arrives; the drain consumes the
// tombstone and never dispatches.
func TestCancelledBeforeDispatch(t *testing.T) {
	nm := newFakeNodeManager()
	nm.setAllowPicks(0)
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", true, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)
	if fc.Status != core.StatusSuccess {
		t.Fatalf("async queued call must be acknowledged with success, got %s", fc.Status)
	}
	if d.NumPending() != 1 {
		t.Fatal("call must be pending")
	}

	d.DiscardFuncCall(fc)

	nm.setAllowPicks(-1)
	d.OnNewEngineConnection(testEngineConn(1, 1))

	if d.NumPending() != 0 {
		t.Errorf("tombstoned entry must leave the queue")
	}
	if nm.numSent() != 0 {
		t.Errorf("no dispatch frame may be emitted for a cancelled call")
	}
	d.mu.Lock()
	remaining := len(d.discardedFuncCalls)
	d.mu.Unlock()
	if remaining != 0 {
		t.Errorf("tombstone must be consumed on first observation")
	}
}

// S5: unknown function is rejected before a call id is assigned.
func TestUnknownFunction(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("nope", "", false, []byte("nope"))
	d.OnNewHTTPFuncCall(conn, fc)

	if fc.Status != core.StatusNotFound {
		t.Errorf("expected not_found, got %s", fc.Status)
	}
	if conn.numFinished() != 1 {
		t.Errorf("rejection must be delivered")
	}
	if d.NumRunning() != 0 || d.NumPending() != 0 {
		t.Errorf("no table entries may appear")
	}

	// The counter was not consumed: the next valid call gets id 1.
	fc2 := NewFuncCallContext("echo", "", false, nil)
	d.OnNewHTTPFuncCall(conn, fc2)
	if fc2.call.CallID != 1 {
		t.Errorf("rejection must not consume a call id, next id was %d", fc2.call.CallID)
	}
}

// S6: the async ack reports acceptance; a later engine failure only logs.
func TestAsyncAckIndependentOfExecution(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", true, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)

	if fc.Status != core.StatusSuccess {
		t.Fatalf("async dispatch must ack success, got %s", fc.Status)
	}
	if conn.numFinished() != 1 {
		t.Fatalf("ack must be delivered immediately")
	}
	if d.NumRunning() != 1 {
		t.Fatal("call must be running")
	}

	d.OnRecvEngineMessage(testEngineConn(1, 1), core.NewFuncCallFailed(fc.call), nil)

	if conn.numFinished() != 1 {
		t.Errorf("engine failure must not produce a second client event")
	}
	if d.NumRunning() != 0 {
		t.Errorf("running table must be cleared")
	}
}

func TestSyncSendFailure(t *testing.T) {
	nm := newFakeNodeManager()
	nm.sendOK = false
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", false, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)

	if fc.Status != core.StatusNotFound {
		t.Errorf("send failure must surface as not_found, got %s", fc.Status)
	}
	if conn.numFinished() != 1 {
		t.Errorf("client must be finished once")
	}
	if len(nm.finished) != 1 {
		t.Errorf("accounting must be released on send failure")
	}
	if d.NumRunning() != 0 {
		t.Errorf("failed dispatch must not enter the running table")
	}
}

func TestAsyncImmediateSendFailure(t *testing.T) {
	nm := newFakeNodeManager()
	nm.sendOK = false
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", true, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)

	if fc.Status != core.StatusNotFound {
		t.Errorf("async immediate send failure must ack not_found, got %s", fc.Status)
	}
	if len(nm.finished) != 1 {
		t.Errorf("accounting must be released")
	}
}

func TestGrpcCallResolvesMethod(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("pkg.Service", "Foo", false, []byte("x"))
	d.OnNewGrpcFuncCall(conn, fc)
	if fc.call.FuncID != 8 || fc.call.MethodID != 0 {
		t.Errorf("bad call identity: %s", fc.call.String())
	}
	if len(nm.sent) != 1 {
		t.Errorf("gRPC call must dispatch")
	}

	// Unknown method rejects without consuming a call id.
	fc2 := NewFuncCallContext("pkg.Service", "Missing", false, nil)
	d.OnNewGrpcFuncCall(conn, fc2)
	if fc2.Status != core.StatusNotFound {
		t.Errorf("unknown method must reject with not_found")
	}

	// Calling a gRPC service through the HTTP path rejects too.
	fc3 := NewFuncCallContext("pkg.Service", "", false, nil)
	d.OnNewHTTPFuncCall(conn, fc3)
	if fc3.Status != core.StatusNotFound {
		t.Errorf("gRPC service must not be callable over plain HTTP")
	}
}

func TestCompletionForUnknownCall(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)

	msg := core.NewFuncCallComplete(core.NewFuncCall(7, 0, 99), 10)
	d.OnRecvEngineMessage(testEngineConn(1, 1), msg, nil)

	if d.NumRunning() != 0 || d.NumPending() != 0 {
		t.Errorf("unknown completion must not mutate tables")
	}
	// Accounting release is still attempted; the real node manager
	// absorbs duplicates.
	if len(nm.finished) != 1 {
		t.Errorf("expected FuncCallFinished to be called")
	}
}

func TestUnknownFrameTolerated(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	ec := testEngineConn(1, 1)
	d.OnNewEngineConnection(ec)

	d.OnRecvEngineMessage(ec, core.Message{Type: 42}, nil)

	if d.NumEngineConnections() != 1 {
		t.Errorf("unknown frame must not tear the engine connection down")
	}
}

// Pending order is FIFO: with capacity arriving one slot at a time, the
// older call dispatches first.
func TestPendingFIFO(t *testing.T) {
	nm := newFakeNodeManager()
	nm.setAllowPicks(0)
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	a := NewFuncCallContext("echo", "", true, []byte("a"))
	d.OnNewHTTPFuncCall(conn, a)
	b := NewFuncCallContext("echo", "", true, []byte("b"))
	d.OnNewHTTPFuncCall(conn, b)
	if d.NumPending() != 2 {
		t.Fatalf("both calls must queue, got %d", d.NumPending())
	}

	nm.setAllowPicks(1)
	d.tryDispatchingPendingFuncCalls()
	if nm.numSent() != 1 || string(nm.sent[0].payload) != "a" {
		t.Fatalf("older call must dispatch first")
	}
	if d.NumPending() != 1 {
		t.Errorf("the younger call must stay queued")
	}

	nm.setAllowPicks(1)
	d.tryDispatchingPendingFuncCalls()
	if nm.numSent() != 2 || string(nm.sent[1].payload) != "b" {
		t.Fatalf("younger call must dispatch second")
	}
}

// A dead sync client's queued call is dropped silently at drain time.
func TestDrainSkipsDeadSyncConnection(t *testing.T) {
	nm := newFakeNodeManager()
	nm.setAllowPicks(0)
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", false, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)
	d.OnConnectionClose(conn)

	nm.setAllowPicks(-1)
	d.tryDispatchingPendingFuncCalls()

	if nm.numSent() != 0 {
		t.Errorf("no dispatch for a dead client's call")
	}
	if d.NumPending() != 0 || d.NumRunning() != 0 {
		t.Errorf("entry must be dropped entirely")
	}
}

// Cancelling twice has the effect of cancelling once.
func TestTombstoneIdempotence(t *testing.T) {
	nm := newFakeNodeManager()
	nm.setAllowPicks(0)
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	fc := NewFuncCallContext("echo", "", true, []byte("hi"))
	d.OnNewHTTPFuncCall(conn, fc)
	d.DiscardFuncCall(fc)
	d.DiscardFuncCall(fc)

	d.mu.Lock()
	n := len(d.discardedFuncCalls)
	d.mu.Unlock()
	if n != 1 {
		t.Fatalf("double cancel must leave a single tombstone, got %d", n)
	}

	nm.setAllowPicks(-1)
	d.tryDispatchingPendingFuncCalls()
	d.mu.Lock()
	n = len(d.discardedFuncCalls)
	d.mu.Unlock()
	if n != 0 {
		t.Errorf("tombstone must be collected by the drain")
	}
}

// Queued async inputs are owned copies: mutating the caller's buffer after
// the ack must not change what is dispatched.
func TestAsyncQueuedInputIsCopied(t *testing.T) {
	nm := newFakeNodeManager()
	nm.setAllowPicks(0)
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	input := []byte("hello")
	fc := NewFuncCallContext("echo", "", true, input)
	d.OnNewHTTPFuncCall(conn, fc)
	input[0] = 'X'

	nm.setAllowPicks(-1)
	d.tryDispatchingPendingFuncCalls()

	if nm.numSent() != 1 || string(nm.sent[0].payload) != "hello" {
		t.Fatalf("dispatched payload must be the copy taken at queue time, got %q", nm.sent[0].payload)
	}
}

// Call ids are distinct and totally ordered under concurrency.
func TestConcurrentCallIDsUnique(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	ids := make(chan core.CallID, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		conn := &recordingConn{id: int64(200 + w)}
		d.RegisterConnection(conn)
		go func(conn *recordingConn) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				fc := NewFuncCallContext("echo", "", true, nil)
				d.OnNewHTTPFuncCall(conn, fc)
				ids <- fc.call.CallID
			}
		}(conn)
	}
	wg.Wait()
	close(ids)

	seen := make(map[core.CallID]bool)
	for id := range ids {
		if id == 0 {
			t.Fatal("call id 0 must never be assigned")
		}
		if seen[id] {
			t.Fatalf("duplicate call id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d distinct ids, got %d", workers*perWorker, len(seen))
	}
}

// Per-function timestamps advance strictly and every interval sample is
// positive, even when requests land within the same microsecond.
func TestPerFuncTimestampsMonotonic(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	var stamps []int64
	for i := 0; i < 5; i++ {
		fc := NewFuncCallContext("echo", "", true, nil)
		d.OnNewHTTPFuncCall(conn, fc)
		d.mu.Lock()
		stamps = append(stamps, d.perFuncStats[7].lastRequestTimestamp)
		d.mu.Unlock()
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i] <= stamps[i-1] {
			t.Fatalf("timestamps must strictly increase: %v", stamps)
		}
	}

	d.mu.Lock()
	obs := d.perFuncStats[7].interval
	d.mu.Unlock()
	var m dto.Metric
	if err := obs.(interface{ Write(*dto.Metric) error }).Write(&m); err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	if m.Summary.GetSampleCount() != 4 {
		t.Errorf("expected 4 interval samples, got %d", m.Summary.GetSampleCount())
	}
	if m.Summary.GetSampleSum() < 4 {
		t.Errorf("every interval sample must be >= 1µs, sum %f", m.Summary.GetSampleSum())
	}
}

// running and pending are mutually exclusive homes for a call.
func TestRunningPendingExclusive(t *testing.T) {
	nm := newFakeNodeManager()
	nm.setAllowPicks(0)
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	var calls []*FuncCallContext
	for i := 0; i < 4; i++ {
		fc := NewFuncCallContext("echo", "", true, []byte(fmt.Sprintf("%d", i)))
		d.OnNewHTTPFuncCall(conn, fc)
		calls = append(calls, fc)
	}

	check := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		inPending := make(map[core.FullCallID]bool)
		for e := d.pendingFuncCalls.Front(); e != nil; e = e.Next() {
			inPending[e.Value.(*funcCallState).call.FullID()] = true
		}
		for id := range d.runningFuncCalls {
			if inPending[id] {
				t.Fatalf("call %s present in both running and pending", id)
			}
		}
	}

	check()
	nm.setAllowPicks(2)
	d.tryDispatchingPendingFuncCalls()
	check()
	nm.setAllowPicks(-1)
	d.tryDispatchingPendingFuncCalls()
	check()

	if d.NumRunning() != 4 || d.NumPending() != 0 {
		t.Fatalf("all calls should be running: running=%d pending=%d", d.NumRunning(), d.NumPending())
	}
	_ = calls
}

func TestSequentialSyncCalls(t *testing.T) {
	nm := newFakeNodeManager()
	d := newTestDispatcher(t, nm)
	conn := &recordingConn{id: 100}
	d.RegisterConnection(conn)

	var output bytes.Buffer
	for i := 1; i <= 3; i++ {
		fc := NewFuncCallContext("echo", "", false, []byte("in"))
		d.OnNewHTTPFuncCall(conn, fc)
		if fc.call.CallID != core.CallID(i) {
			t.Fatalf("expected call id %d, got %d", i, fc.call.CallID)
		}
		msg := core.NewFuncCallComplete(fc.call, 1)
		msg.PayloadSize = 3
		d.OnRecvEngineMessage(testEngineConn(1, 1), msg, []byte("out"))
		output.Write(fc.Output.Bytes())
	}
	if output.String() != "outoutout" {
		t.Errorf("unexpected outputs: %q", output.String())
	}
	if conn.numFinished() != 3 {
		t.Errorf("each call delivered exactly once, got %d", conn.numFinished())
	}
}
