// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strings"

	log "github.com/golang/glog"
	"golang.org/x/net/http2"

	"github.com/pkusys/halfmoon/internal/core"
	"github.com/pkusys/halfmoon/internal/server"
)

// grpcConn represents one live gRPC (HTTP/2) client connection.
type grpcConn struct {
	id int64
}

func (c *grpcConn) ID() int64 { return c.id }

func (c *grpcConn) OnFuncCallFinished(fc *FuncCallContext) {
	fc.markFinished()
}

// grpcAdapter serves the optional gRPC ingress port. The gateway does not
// interpret protobuf payloads: it maps /Service/Method to a registered
// function and method id, and moves the gRPC message bytes through as the
// opaque call input/output. Unary calls only. The raw HTTP/2 server speaks
// prior-knowledge h2 without TLS, which is what gRPC clients use against a
// plaintext endpoint.
type grpcAdapter struct {
	dispatcher *Dispatcher
	opm        *server.OpMetric
	h2         *http2.Server
	nextConnID func() int64
}

func newGrpcAdapter(d *Dispatcher, opm *server.OpMetric, nextConnID func() int64) *grpcAdapter {
	return &grpcAdapter{
		dispatcher: d,
		opm:        opm,
		h2:         &http2.Server{},
		nextConnID: nextConnID,
	}
}

// serve accepts gRPC connections until the listener closes.
func (g *grpcAdapter) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Errorf("gRPC listener: %v", err)
			return
		}
		go g.handleConn(conn)
	}
}

// handleConn owns one TCP connection: registered with the core for its
// whole lifetime, every stream on it dispatches as one call.
func (g *grpcAdapter) handleConn(conn net.Conn) {
	gc := &grpcConn{id: g.nextConnID()}
	g.dispatcher.RegisterConnection(gc)
	g.h2.ServeConn(conn, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.handleStream(gc, w, r)
		}),
	})
	g.dispatcher.OnConnectionClose(gc)
}

func (g *grpcAdapter) handleStream(gc *grpcConn, w http.ResponseWriter, r *http.Request) {
	op := g.opm.Start("grpc")

	service, method, ok := splitGrpcPath(r.URL.Path)
	if !ok || r.Method != http.MethodPost {
		writeGrpcStatus(w, nil, grpcStatusUnimplemented)
		op.EndWithStatus(core.StatusNotFound)
		return
	}
	async := r.Header.Get("x-faas-async") == "1"

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeGrpcStatus(w, nil, grpcStatusInternal)
		op.EndWithStatus(core.StatusFailed)
		return
	}
	input, err := decodeGrpcFrame(body)
	if err != nil {
		log.V(1).Infof("bad gRPC frame on %s/%s: %v", service, method, err)
		writeGrpcStatus(w, nil, grpcStatusInternal)
		op.EndWithStatus(core.StatusFailed)
		return
	}

	fc := NewFuncCallContext(service, method, async, input)
	g.dispatcher.OnNewGrpcFuncCall(gc, fc)

	select {
	case <-fc.Done():
	case <-r.Context().Done():
		g.dispatcher.DiscardFuncCall(fc)
		op.EndWithStatus(core.StatusFailed)
		return
	}

	switch fc.Status {
	case core.StatusSuccess:
		writeGrpcStatus(w, fc.Output.Bytes(), grpcStatusOK)
	case core.StatusNotFound:
		writeGrpcStatus(w, nil, grpcStatusUnimplemented)
	default:
		writeGrpcStatus(w, nil, grpcStatusInternal)
	}
	op.EndWithStatus(fc.Status)
}

const (
	grpcStatusOK            = "0"
	grpcStatusUnimplemented = "12"
	grpcStatusInternal      = "13"
)

// splitGrpcPath parses "/pkg.Service/Method".
func splitGrpcPath(path string) (service, method string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// decodeGrpcFrame strips the 5-byte gRPC message prefix. Compressed
// messages are rejected: the gateway never negotiates an encoding.
func decodeGrpcFrame(body []byte) ([]byte, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("frame shorter than gRPC message prefix")
	}
	if body[0] != 0 {
		return nil, fmt.Errorf("unexpected compressed gRPC message")
	}
	size := binary.BigEndian.Uint32(body[1:5])
	if int(size) != len(body)-5 {
		return nil, fmt.Errorf("gRPC message length %d does not match body %d", size, len(body)-5)
	}
	return body[5:], nil
}

// writeGrpcStatus writes the response message (if any) and the grpc-status
// trailer.
func writeGrpcStatus(w http.ResponseWriter, output []byte, status string) {
	w.Header().Set("Content-Type", "application/grpc")
	w.Header().Set(http.TrailerPrefix+"grpc-status", status)
	if status == grpcStatusOK {
		var prefix [5]byte
		binary.BigEndian.PutUint32(prefix[1:5], uint32(len(output)))
		w.Write(prefix[:])
		w.Write(output)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}
