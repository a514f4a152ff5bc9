// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
)

/*

The identity of one function invocation is the FuncCall tuple. Its packed
64-bit form is the primary key used by the gateway's call tables:

    +---------------------+-----------------------+---------------------+
    |  FuncID (2 bytes)   |  MethodID (2 bytes)   |  CallID (4 bytes)   |
    +---------------------+-----------------------+---------------------+
    |<----------------------------------------------------------------->|
                            FullCallID (8 bytes)

MethodID is meaningful only for gRPC functions and is zero otherwise.
ClientID is carried on the wire next to the tuple but is always zero for
gateway-originated calls, so it does not participate in the packed key.

*/

// FuncID identifies a function in the registry. Valid FuncIDs start from 1.
type FuncID uint16

// MethodID is the in-function index of a gRPC method, assigned by the
// registry in declaration order starting from 0.
type MethodID uint16

// ClientID identifies the message source for engine-internal traffic. Calls
// originated by the gateway always use ClientID 0.
type ClientID uint16

// CallID is drawn from the gateway's process-wide monotonic counter. Valid
// CallIDs start from 1 and are never reused within a process lifetime.
type CallID uint32

// FullCallID is the packed form of a FuncCall, used as primary key.
type FullCallID uint64

func (id FullCallID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.FuncID(), id.MethodID(), id.CallID())
}

// FuncID extracts the function id from the packed key.
func (id FullCallID) FuncID() FuncID {
	return FuncID(id >> 48)
}

// MethodID extracts the method id from the packed key.
func (id FullCallID) MethodID() MethodID {
	return MethodID(id >> 32)
}

// CallID extracts the call id from the packed key.
func (id FullCallID) CallID() CallID {
	return CallID(id)
}

// NodeID identifies an engine node. A node may maintain several control
// connections to the gateway, all carrying the same NodeID.
type NodeID uint16

// ConnID distinguishes the control connections of one engine node.
type ConnID uint16

// FuncCall is the identity of one invocation.
type FuncCall struct {
	FuncID   FuncID
	MethodID MethodID
	ClientID ClientID
	CallID   CallID
}

// NewFuncCall builds the identity of a plain (non-gRPC) invocation.
func NewFuncCall(funcID FuncID, clientID ClientID, callID CallID) FuncCall {
	return FuncCall{FuncID: funcID, ClientID: clientID, CallID: callID}
}

// NewFuncCallWithMethod builds the identity of a gRPC invocation.
func NewFuncCallWithMethod(funcID FuncID, methodID MethodID, clientID ClientID, callID CallID) FuncCall {
	return FuncCall{FuncID: funcID, MethodID: methodID, ClientID: clientID, CallID: callID}
}

// FullID packs the call identity into its 64-bit primary key.
func (c FuncCall) FullID() FullCallID {
	return FullCallID(c.FuncID)<<48 | FullCallID(c.MethodID)<<32 | FullCallID(c.CallID)
}

func (c FuncCall) String() string {
	return fmt.Sprintf("FuncCall[func_id=%d method_id=%d client_id=%d call_id=%d]",
		c.FuncID, c.MethodID, c.ClientID, c.CallID)
}
