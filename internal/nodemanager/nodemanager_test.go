// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nodemanager

import (
	"testing"

	"github.com/pkusys/halfmoon/internal/core"
)

// fakeConn implements Conn with a controllable accept switch.
type fakeConn struct {
	nodeID core.NodeID
	connID core.ConnID
	accept bool
	sent   []core.Message
}

func (f *fakeConn) NodeID() core.NodeID { return f.nodeID }
func (f *fakeConn) ConnID() core.ConnID { return f.connID }

func (f *fakeConn) Send(msg core.Message, payload []byte) bool {
	if !f.accept {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func call(id core.CallID) core.FuncCall {
	return core.NewFuncCall(7, 0, id)
}

func TestPickWithNoNodes(t *testing.T) {
	nm := New(DefaultConfig)
	if _, picked := nm.PickNodeForNewFuncCall(call(1)); picked {
		t.Fatal("pick must fail with no nodes")
	}
}

func TestPickLeastLoaded(t *testing.T) {
	nm := New(DefaultConfig)
	nm.AddConnection(&fakeConn{nodeID: 1, accept: true})
	nm.AddConnection(&fakeConn{nodeID: 2, accept: true})

	// First two picks spread across both nodes, lowest id first.
	id1, picked := nm.PickNodeForNewFuncCall(call(1))
	if !picked || id1 != 1 {
		t.Fatalf("expected node 1, got %d (picked=%v)", id1, picked)
	}
	id2, picked := nm.PickNodeForNewFuncCall(call(2))
	if !picked || id2 != 2 {
		t.Fatalf("expected node 2, got %d (picked=%v)", id2, picked)
	}

	// Finish the call on node 1: it is now least loaded again.
	nm.FuncCallFinished(call(1), 1)
	id3, picked := nm.PickNodeForNewFuncCall(call(3))
	if !picked || id3 != 1 {
		t.Fatalf("expected node 1 after release, got %d", id3)
	}
}

func TestPickRespectsPerNodeConcurrency(t *testing.T) {
	cfg := DefaultConfig
	cfg.PerNodeConcurrency = 2
	nm := New(cfg)
	nm.AddConnection(&fakeConn{nodeID: 1, accept: true})

	for i := core.CallID(1); i <= 2; i++ {
		if _, picked := nm.PickNodeForNewFuncCall(call(i)); !picked {
			t.Fatalf("pick %d must succeed", i)
		}
	}
	if _, picked := nm.PickNodeForNewFuncCall(call(3)); picked {
		t.Fatal("node at capacity must not be picked")
	}

	nm.FuncCallFinished(call(1), 1)
	if _, picked := nm.PickNodeForNewFuncCall(call(4)); !picked {
		t.Fatal("released capacity must be pickable again")
	}
}

func TestFuncCallFinishedIdempotent(t *testing.T) {
	cfg := DefaultConfig
	cfg.PerNodeConcurrency = 2
	nm := New(cfg)
	nm.AddConnection(&fakeConn{nodeID: 1, accept: true})

	nm.PickNodeForNewFuncCall(call(1))
	nm.PickNodeForNewFuncCall(call(2))

	// Reporting the same call finished twice must release one slot, not two.
	nm.FuncCallFinished(call(1), 1)
	nm.FuncCallFinished(call(1), 1)

	st := nm.Status()
	if len(st) != 1 || st[0].Inflight != 1 {
		t.Fatalf("expected inflight 1 after duplicate finish, got %+v", st)
	}
}

func TestSendRoutesToLiveConn(t *testing.T) {
	nm := New(DefaultConfig)
	dead := &fakeConn{nodeID: 1, connID: 0, accept: false}
	live := &fakeConn{nodeID: 1, connID: 1, accept: true}
	nm.AddConnection(dead)
	nm.AddConnection(live)

	msg := core.NewDispatchFuncCall(call(5))
	if !nm.SendMessage(1, msg, nil) {
		t.Fatal("send must fall over to the live connection")
	}
	if len(live.sent) != 1 {
		t.Fatalf("live conn should carry the frame, got %d", len(live.sent))
	}

	if nm.SendMessage(2, msg, nil) {
		t.Fatal("send to unknown node must fail")
	}

	live.accept = false
	if nm.SendMessage(1, msg, nil) {
		t.Fatal("send must fail when every conn rejects")
	}
}

func TestRemoveConnectionDropsNode(t *testing.T) {
	nm := New(DefaultConfig)
	c := &fakeConn{nodeID: 1, accept: true}
	nm.AddConnection(c)
	nm.PickNodeForNewFuncCall(call(1))

	nm.RemoveConnection(c)
	if len(nm.Status()) != 0 {
		t.Fatal("node must disappear with its last connection")
	}
	if _, picked := nm.PickNodeForNewFuncCall(call(2)); picked {
		t.Fatal("pick must fail after node removal")
	}
}
