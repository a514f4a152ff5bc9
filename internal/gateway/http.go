// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/pkusys/halfmoon/internal/core"
	"github.com/pkusys/halfmoon/internal/server"
	"github.com/pkusys/halfmoon/pkg/tokenbucket"
)

// httpConn represents one live HTTP client connection in the core's table.
type httpConn struct {
	id int64
}

func (c *httpConn) ID() int64 { return c.id }

// OnFuncCallFinished wakes the handler goroutine waiting on the context.
func (c *httpConn) OnFuncCallFinished(fc *FuncCallContext) {
	fc.markFinished()
}

type connCtxKey struct{}

// httpAdapter translates HTTP requests into dispatch core calls. The
// standard net/http server owns socket readiness and framing; the adapter
// tracks connection lifetime through ConnContext/ConnState so the core can
// detect orphaned calls.
type httpAdapter struct {
	dispatcher  *Dispatcher
	opm         *server.OpMetric
	limiter     *tokenbucket.TokenBucket // nil when disabled
	pendingSem  server.Semaphore
	callTimeout time.Duration
	nextConnID  func() int64

	mu    sync.Mutex
	conns map[net.Conn]*httpConn
}

func newHTTPAdapter(d *Dispatcher, cfg Config, opm *server.OpMetric, nextConnID func() int64) *httpAdapter {
	a := &httpAdapter{
		dispatcher:  d,
		opm:         opm,
		pendingSem:  server.NewSemaphore(cfg.RejectReqThreshold),
		callTimeout: cfg.CallTimeout,
		nextConnID:  nextConnID,
		conns:       make(map[net.Conn]*httpConn),
	}
	if cfg.MaxIngressRPS > 0 {
		a.limiter = tokenbucket.New(cfg.MaxIngressRPS, cfg.MaxIngressRPS)
	}
	return a
}

// connContext registers a new client connection with the dispatch core.
// Installed as http.Server.ConnContext.
func (a *httpAdapter) connContext(ctx context.Context, c net.Conn) context.Context {
	hc := &httpConn{id: a.nextConnID()}
	a.mu.Lock()
	a.conns[c] = hc
	a.mu.Unlock()
	a.dispatcher.RegisterConnection(hc)
	return context.WithValue(ctx, connCtxKey{}, hc)
}

// connState unregisters closed connections. Installed as http.Server.ConnState.
func (a *httpAdapter) connState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	a.mu.Lock()
	hc := a.conns[c]
	delete(a.conns, c)
	a.mu.Unlock()
	if hc != nil {
		a.dispatcher.OnConnectionClose(hc)
	}
}

// ServeHTTP handles POST /function/<name>. The call is asynchronous when
// the request carries ?async=1 or the X-Faas-Async header.
func (a *httpAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is accepted", http.StatusMethodNotAllowed)
		return
	}
	funcName := strings.TrimPrefix(r.URL.Path, "/function/")
	if funcName == "" || strings.Contains(funcName, "/") {
		http.Error(w, "bad function path", http.StatusNotFound)
		return
	}
	async := r.URL.Query().Get("async") == "1" || r.Header.Get("X-Faas-Async") == "1"

	op := a.opm.Start("http")
	defer op.End()

	if a.limiter != nil && !a.limiter.TryTake(1) {
		op.TooBusy()
		http.Error(w, "over ingress rate limit", http.StatusTooManyRequests)
		return
	}
	if !a.pendingSem.TryAcquire() {
		op.TooBusy()
		http.Error(w, "too many pending requests", http.StatusTooManyRequests)
		return
	}
	defer a.pendingSem.Release()

	input, err := ioutil.ReadAll(r.Body)
	if err != nil {
		op.Failed()
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	hc, _ := r.Context().Value(connCtxKey{}).(*httpConn)
	if hc == nil {
		// Requests can only arrive on connections that went through
		// connContext.
		log.Errorf("HTTP request without tracked connection")
		op.Failed()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	fc := NewFuncCallContext(funcName, "", async, input)
	a.dispatcher.OnNewHTTPFuncCall(hc, fc)

	var timeoutCh <-chan time.Time
	if a.callTimeout > 0 && !async {
		t := time.NewTimer(a.callTimeout)
		defer t.Stop()
		timeoutCh = t.C
	}
	select {
	case <-fc.Done():
	case <-timeoutCh:
		a.dispatcher.DiscardFuncCall(fc)
		op.Failed()
		http.Error(w, "function call timed out", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		a.dispatcher.DiscardFuncCall(fc)
		op.Failed()
		return
	}

	switch fc.Status {
	case core.StatusSuccess:
		w.WriteHeader(http.StatusOK)
		if !async {
			w.Write(fc.Output.Bytes())
		}
	case core.StatusNotFound:
		op.Failed()
		http.Error(w, "function not found or no available node", http.StatusNotFound)
	case core.StatusFailed:
		op.Failed()
		http.Error(w, "function call failed", http.StatusInternalServerError)
	default:
		op.Failed()
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
