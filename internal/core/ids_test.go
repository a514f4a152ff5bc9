// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "testing"

func TestFullCallIDPacking(t *testing.T) {
	call := NewFuncCallWithMethod(7, 3, 0, 1)
	id := call.FullID()
	if id.FuncID() != 7 {
		t.Errorf("expected func_id 7, got %d", id.FuncID())
	}
	if id.MethodID() != 3 {
		t.Errorf("expected method_id 3, got %d", id.MethodID())
	}
	if id.CallID() != 1 {
		t.Errorf("expected call_id 1, got %d", id.CallID())
	}
}

func TestFullCallIDDistinct(t *testing.T) {
	a := NewFuncCall(7, 0, 1).FullID()
	b := NewFuncCall(7, 0, 2).FullID()
	c := NewFuncCall(8, 0, 1).FullID()
	d := NewFuncCallWithMethod(7, 1, 0, 1).FullID()
	seen := map[FullCallID]bool{a: true}
	for _, id := range []FullCallID{b, c, d} {
		if seen[id] {
			t.Errorf("id collision on %s", id)
		}
		seen[id] = true
	}
}

func TestFullCallIDMaxFields(t *testing.T) {
	call := NewFuncCallWithMethod(0xffff, 0xffff, 0, 0xffffffff)
	id := call.FullID()
	if id.FuncID() != 0xffff || id.MethodID() != 0xffff || id.CallID() != 0xffffffff {
		t.Errorf("lossy packing: %s", id)
	}
}
