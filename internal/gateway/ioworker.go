// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	log "github.com/golang/glog"

	"github.com/pkusys/halfmoon/internal/core"
)

// writeOp is one queued outgoing frame.
type writeOp struct {
	conn    *EngineConnection
	msg     core.Message
	payload []byte
}

// ioWorker serializes the socket writes of the engine connections assigned
// to it. Enqueueing is non-blocking: a full queue makes Send fail, which the
// node manager reports as the node not having received the call. Reads run
// on per-connection goroutines; only the write side funnels through here.
type ioWorker struct {
	name  string
	queue chan writeOp
}

func newIOWorker(name string, queueCap int) *ioWorker {
	w := &ioWorker{
		name:  name,
		queue: make(chan writeOp, queueCap),
	}
	go w.run()
	return w
}

func (w *ioWorker) run() {
	for op := range w.queue {
		if err := op.conn.writeFrame(op.msg, op.payload); err != nil {
			log.Errorf("%s: write to engine (node_id=%d, conn_id=%d) failed: %v",
				w.name, op.conn.NodeID(), op.conn.ConnID(), err)
			op.conn.closeConn()
		}
	}
}

// enqueue attempts to queue a frame without blocking.
func (w *ioWorker) enqueue(op writeOp) bool {
	select {
	case w.queue <- op:
		return true
	default:
		return false
	}
}
