// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"bytes"
	"sync"

	"github.com/pkusys/halfmoon/internal/core"
)

// FuncCallContext represents one in-progress client request. It is owned by
// the originating connection adapter; the dispatch core touches it only on
// the completion and rejection paths, and only while the owning connection
// is still registered.
type FuncCallContext struct {
	FuncName   string
	MethodName string
	Async      bool
	Input      []byte

	// Status and Output are filled by the dispatch core before the
	// owning connection's OnFuncCallFinished runs.
	Status core.Status
	Output bytes.Buffer

	call core.FuncCall

	doneOnce sync.Once
	done     chan struct{}
}

// NewFuncCallContext builds the context for one incoming request.
func NewFuncCallContext(funcName, methodName string, async bool, input []byte) *FuncCallContext {
	return &FuncCallContext{
		FuncName:   funcName,
		MethodName: methodName,
		Async:      async,
		Input:      input,
		done:       make(chan struct{}),
	}
}

// Call returns the identity assigned by the dispatch core. Zero until the
// call passed name resolution.
func (fc *FuncCallContext) Call() core.FuncCall {
	return fc.call
}

// Done is closed once the adapter has been handed the final Status/Output.
// Request handlers block on this channel.
func (fc *FuncCallContext) Done() <-chan struct{} {
	return fc.done
}

// markFinished wakes the handler waiting on Done. Adapters call this from
// OnFuncCallFinished; safe to call more than once.
func (fc *FuncCallContext) markFinished() {
	fc.doneOnce.Do(func() { close(fc.done) })
}

// ClientConnection is the contract a protocol adapter (HTTP, gRPC) presents
// to the dispatch core. OnFuncCallFinished may be invoked from any goroutine
// and must not block.
type ClientConnection interface {
	// ID is the process-wide connection id; the dispatch core keys its
	// client table with it.
	ID() int64

	// OnFuncCallFinished delivers the final state of a call originated on
	// this connection. Called at most once per context.
	OnFuncCallFinished(fc *FuncCallContext)
}
