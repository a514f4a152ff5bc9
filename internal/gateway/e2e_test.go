// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/pkusys/halfmoon/internal/core"
	"github.com/pkusys/halfmoon/internal/nodemanager"
	test "github.com/pkusys/halfmoon/pkg/testutil"
)

// TestGatewayEndToEnd runs a whole gateway process core: real listeners, a
// fake engine speaking the control protocol on TCP, and an HTTP client.
func TestGatewayEndToEnd(t *testing.T) {
	f, err := ioutil.TempFile("", "funcconfig")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(testFuncConfig); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f.Close()

	cfg := DefaultConfig
	cfg.Addr = "127.0.0.1"
	cfg.EnginePort = test.GetFreePort()
	cfg.HTTPPort = test.GetFreePort()
	cfg.FuncConfigFile = f.Name()
	cfg.NumIOWorkers = 2

	s, err := NewServer(cfg, nodemanager.DefaultConfig)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go s.Start() // serves until the test process exits

	// Connect an engine node once the listener is up.
	var engine net.Conn
	engineAddr := fmt.Sprintf("127.0.0.1:%d", cfg.EnginePort)
	waitUntil(t, "engine listener up", func() bool {
		engine, err = net.Dial("tcp", engineAddr)
		return err == nil
	})
	defer engine.Close()
	if err := core.WriteMessage(engine, core.NewEngineHandshake(1, 0), nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	waitUntil(t, "engine registered", func() bool {
		return s.dispatcher.NumEngineConnections() == 1
	})

	// The engine uppercases one request.
	go func() {
		msg, payload, err := core.ReadMessage(engine)
		if err != nil || !msg.IsDispatchFuncCall() {
			return
		}
		out := bytes.ToUpper(payload)
		reply := core.NewFuncCallComplete(msg.Call, 42)
		reply.PayloadSize = uint32(len(out))
		core.WriteMessage(engine, reply, out)
	}()

	httpBase := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTPPort)
	waitUntil(t, "http listener up", func() bool {
		resp, err := http.Get(httpBase + "/nodes")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	resp, err := http.Post(httpBase+"/function/echo", "application/octet-stream", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "HI" {
		t.Fatalf("call = %s %q, want 200 \"HI\"", resp.Status, body)
	}

	// Status page and node snapshot are served on the same port.
	resp, err = http.Get(httpBase + "/")
	if err != nil {
		t.Fatalf("status page: %v", err)
	}
	page, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(page), "faas-gateway") {
		t.Errorf("bad status page: %s", resp.Status)
	}

	resp, err = http.Get(httpBase + "/nodes")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	nodes, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(nodes), "\"nodes\"") {
		t.Errorf("bad nodes snapshot: %q", nodes)
	}
}
