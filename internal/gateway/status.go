// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"

	"github.com/pkusys/halfmoon/internal/nodemanager"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>faas gateway status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}

    table.nodes th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>faas-gateway</h3>

<table>
  <tr>
    <td>Addr:</td>
    <td>{{.Cfg.Addr}} (engine :{{.Cfg.EnginePort}}, http :{{.Cfg.HTTPPort}}{{if .Cfg.GrpcPort}}, grpc :{{.Cfg.GrpcPort}}{{end}})</td>
  </tr>
  <tr><td>Uptime:</td><td>{{.Uptime}}</td></tr>
  <tr><td>Functions:</td><td>{{.NumFuncs}}</td></tr>
  <tr><td>Client connections:</td><td>{{.NumConnections}}</td></tr>
  <tr><td>Engine connections:</td><td>{{.NumEngineConnections}}</td></tr>
  <tr><td>Running calls:</td><td>{{.NumRunning}}</td></tr>
  <tr><td>Pending calls:</td><td>{{.NumPending}}</td></tr>
  <tr><td>Load average:</td><td>{{printf "%.2f %.2f %.2f" .LoadAvg.One .LoadAvg.Five .LoadAvg.Fifteen}}</td></tr>
  <tr><td>Memory:</td><td>{{.MemUsed}} / {{.MemTotal}} MB used</td></tr>
</table>

<p/>

<table class="status nodes">
  <caption>Engine Nodes</caption>
  <tr>
    <th>NodeID</th>
    <th>Connections</th>
    <th>Inflight</th>
  </tr>
  {{range .Nodes}}
  <tr>
    <td>{{.ID}}</td>
    <td>{{.Conns}}</td>
    <td>{{.Inflight}}</td>
  </tr>
  {{end}}
</table>

</body>
</html>
`

var statusTemplate = template.Must(template.New("status").Parse(statusTemplateStr))

type statusData struct {
	Cfg                  Config
	Uptime               time.Duration
	NumFuncs             int
	NumConnections       int
	NumEngineConnections int
	NumRunning           int
	NumPending           int
	Nodes                []nodemanager.NodeStatus
	LoadAvg              sigar.LoadAverage
	MemUsed              uint64
	MemTotal             uint64
}

func (s *Server) collectStatus() statusData {
	data := statusData{
		Cfg:                  s.cfg,
		Uptime:               time.Since(s.startTime).Round(time.Second),
		NumFuncs:             s.funcConfig.NumFuncs(),
		NumConnections:       s.dispatcher.NumConnections(),
		NumEngineConnections: s.dispatcher.NumEngineConnections(),
		NumRunning:           s.dispatcher.NumRunning(),
		NumPending:           s.dispatcher.NumPending(),
		Nodes:                s.nodeMgr.Status(),
	}
	var load sigar.LoadAverage
	if err := load.Get(); err == nil {
		data.LoadAvg = load
	}
	var mem sigar.Mem
	if err := mem.Get(); err == nil {
		data.MemUsed = mem.ActualUsed / 1024 / 1024
		data.MemTotal = mem.Total / 1024 / 1024
	}
	return data
}

// statusHandler renders the human-facing status page.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if err := statusTemplate.Execute(w, s.collectStatus()); err != nil {
		log.Errorf("failed to render status page: %v", err)
	}
}

// nodesHandler serves the machine-facing node snapshot used by gwcli.
func (s *Server) nodesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Nodes   []nodemanager.NodeStatus `json:"nodes"`
		Running int                      `json:"running"`
		Pending int                      `json:"pending"`
	}{
		Nodes:   s.nodeMgr.Status(),
		Running: s.dispatcher.NumRunning(),
		Pending: s.dispatcher.NumPending(),
	})
}
