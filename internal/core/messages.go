// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// This file describes the control frames exchanged between the gateway and
// engine nodes over their long-lived TCP connections.

// MessageType discriminates gateway control frames.
type MessageType uint16

const (
	// MsgInvalid is the zero value; never valid on the wire.
	MsgInvalid MessageType = iota

	// MsgEngineHandshake must be the first frame an engine sends after
	// connecting. It carries the engine's NodeID and ConnID.
	MsgEngineHandshake

	// MsgDispatchFuncCall carries a new invocation from the gateway to an
	// engine node. The request input follows as payload.
	MsgDispatchFuncCall

	// MsgFuncCallComplete reports successful execution. The response
	// output follows as payload.
	MsgFuncCallComplete

	// MsgFuncCallFailed reports failed execution. No payload.
	MsgFuncCallFailed
)

// MessageHeaderSize is the fixed size of the wire header in bytes.
//
// Layout (little endian):
//
//	type           u16
//	node_id        u16
//	conn_id        u16
//	func_id        u16
//	method_id      u16
//	client_id      u16
//	call_id        u32
//	processing_time u32   (microseconds, engine-reported, completion frames)
//	payload_size   u32
const MessageHeaderSize = 24

// ErrShortHeader is returned when a buffer is too small to hold a header.
var ErrShortHeader = errors.New("buffer shorter than gateway message header")

// Message is one gateway control frame header. Payload bytes, when
// payload_size is nonzero, follow the header on the wire.
type Message struct {
	Type           MessageType
	NodeID         NodeID
	ConnID         ConnID
	Call           FuncCall
	ProcessingTime uint32
	PayloadSize    uint32
}

// NewEngineHandshake builds the frame an engine sends to identify itself.
func NewEngineHandshake(nodeID NodeID, connID ConnID) Message {
	return Message{Type: MsgEngineHandshake, NodeID: nodeID, ConnID: connID}
}

// NewDispatchFuncCall builds a dispatch frame for the given call. The caller
// fills PayloadSize with the input length.
func NewDispatchFuncCall(call FuncCall) Message {
	return Message{Type: MsgDispatchFuncCall, Call: call}
}

// NewFuncCallComplete builds a completion frame. The caller fills
// PayloadSize with the output length.
func NewFuncCallComplete(call FuncCall, processingTime uint32) Message {
	return Message{Type: MsgFuncCallComplete, Call: call, ProcessingTime: processingTime}
}

// NewFuncCallFailed builds a failure frame.
func NewFuncCallFailed(call FuncCall) Message {
	return Message{Type: MsgFuncCallFailed, Call: call}
}

// IsEngineHandshake reports whether m is an engine handshake frame.
func (m *Message) IsEngineHandshake() bool { return m.Type == MsgEngineHandshake }

// IsDispatchFuncCall reports whether m is a dispatch frame.
func (m *Message) IsDispatchFuncCall() bool { return m.Type == MsgDispatchFuncCall }

// IsFuncCallComplete reports whether m is a completion frame.
func (m *Message) IsFuncCallComplete() bool { return m.Type == MsgFuncCallComplete }

// IsFuncCallFailed reports whether m is a failure frame.
func (m *Message) IsFuncCallFailed() bool { return m.Type == MsgFuncCallFailed }

func (m *Message) String() string {
	return fmt.Sprintf("Message[type=%d node_id=%d conn_id=%d %s payload_size=%d]",
		m.Type, m.NodeID, m.ConnID, m.Call.String(), m.PayloadSize)
}

// MarshalBinary encodes the header into a fresh MessageHeaderSize buffer.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MessageHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(m.NodeID))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(m.ConnID))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(m.Call.FuncID))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(m.Call.MethodID))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(m.Call.ClientID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.Call.CallID))
	binary.LittleEndian.PutUint32(buf[16:20], m.ProcessingTime)
	binary.LittleEndian.PutUint32(buf[20:24], m.PayloadSize)
	return buf, nil
}

// UnmarshalBinary decodes a header from buf, which must hold at least
// MessageHeaderSize bytes.
func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) < MessageHeaderSize {
		return ErrShortHeader
	}
	m.Type = MessageType(binary.LittleEndian.Uint16(buf[0:2]))
	m.NodeID = NodeID(binary.LittleEndian.Uint16(buf[2:4]))
	m.ConnID = ConnID(binary.LittleEndian.Uint16(buf[4:6]))
	m.Call.FuncID = FuncID(binary.LittleEndian.Uint16(buf[6:8]))
	m.Call.MethodID = MethodID(binary.LittleEndian.Uint16(buf[8:10]))
	m.Call.ClientID = ClientID(binary.LittleEndian.Uint16(buf[10:12]))
	m.Call.CallID = CallID(binary.LittleEndian.Uint32(buf[12:16]))
	m.ProcessingTime = binary.LittleEndian.Uint32(buf[16:20])
	m.PayloadSize = binary.LittleEndian.Uint32(buf[20:24])
	return nil
}

// ReadMessage reads one header and its payload (if any) from r.
func ReadMessage(r io.Reader) (Message, []byte, error) {
	var hdr [MessageHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, nil, err
	}
	var m Message
	if err := m.UnmarshalBinary(hdr[:]); err != nil {
		return Message{}, nil, err
	}
	if m.PayloadSize == 0 {
		return m, nil, nil
	}
	payload := make([]byte, m.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, nil, err
	}
	return m, payload, nil
}

// WriteMessage writes one header followed by its payload to w. The message's
// PayloadSize must equal len(payload).
func WriteMessage(w io.Writer, m Message, payload []byte) error {
	if int(m.PayloadSize) != len(payload) {
		return fmt.Errorf("payload_size %d does not match payload length %d",
			m.PayloadSize, len(payload))
	}
	buf, _ := m.MarshalBinary()
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
