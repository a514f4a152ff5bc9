// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"net"
	"sync"

	"github.com/pkusys/halfmoon/internal/core"
)

// EngineConnection is one long-lived control connection from an engine
// node, created after a successful handshake. The connection is shared
// between its I/O worker (writes), its reader goroutine, and the dispatch
// core; lifetime is the longest holder.
type EngineConnection struct {
	id     int64 // process-wide connection id
	nodeID core.NodeID
	connID core.ConnID

	conn   net.Conn
	worker *ioWorker

	mu     sync.Mutex
	closed bool
}

func newEngineConnection(id int64, nodeID core.NodeID, connID core.ConnID, conn net.Conn, worker *ioWorker) *EngineConnection {
	return &EngineConnection{
		id:     id,
		nodeID: nodeID,
		connID: connID,
		conn:   conn,
		worker: worker,
	}
}

// ID is the process-wide connection id keying the core's engine table.
func (ec *EngineConnection) ID() int64 { return ec.id }

// NodeID is the engine node this connection belongs to, from the handshake.
func (ec *EngineConnection) NodeID() core.NodeID { return ec.nodeID }

// ConnID distinguishes this connection among the node's connections.
func (ec *EngineConnection) ConnID() core.ConnID { return ec.connID }

// Send enqueues a frame on the owning I/O worker. Non-blocking; false when
// the connection is closed or the worker queue is full.
func (ec *EngineConnection) Send(msg core.Message, payload []byte) bool {
	ec.mu.Lock()
	closed := ec.closed
	ec.mu.Unlock()
	if closed {
		return false
	}
	return ec.worker.enqueue(writeOp{conn: ec, msg: msg, payload: payload})
}

// writeFrame performs the actual socket write. Called only from the I/O
// worker goroutine.
func (ec *EngineConnection) writeFrame(msg core.Message, payload []byte) error {
	return core.WriteMessage(ec.conn, msg, payload)
}

// closeConn shuts the socket down, which also makes the reader goroutine
// exit and run the disconnect cleanup. Safe to call more than once.
func (ec *EngineConnection) closeConn() {
	ec.mu.Lock()
	wasClosed := ec.closed
	ec.closed = true
	ec.mu.Unlock()
	if !wasClosed {
		ec.conn.Close()
	}
}
