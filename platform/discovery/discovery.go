// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package discovery

// Client is the interface for service discovery.
// A service is fully described by a (Cluster, User, Name) tuple.  This tuple is the primary key
// for setting or getting service information.
//
// The gateway plays both roles: it announces its own engine-facing address
// (see Announcer) and engine nodes look that address up to know where to
// connect.

import (
	"context"
	"sort"
)

const (
	// Binary is the standard port that clients interact with on services.
	Binary = "binary"

	// Wildcard may be used in the User and Service fields of Name to recieve updates
	// from multiple services.
	Wildcard = "*"

	// GatewayAddrService is the well-known service name under which a
	// gateway publishes its engine-facing host:port.
	GatewayAddrService = "gateway_addr"
)

// DefaultClient is the client used when no specific implementation is injected.
var DefaultClient Client = &dnsClient{}

// Name identifies one service.
type Name struct {
	Cluster string
	User    string
	Service string
}

// Port is one named address of a task.
type Port struct {
	Name string
	Addr string
}

// Task is one instance of a service.
type Task struct {
	Addrs []Port
}

// Record is the full discovery state of one service.
type Record struct {
	Name  Name
	Tasks []Task
}

// Update is one change notification from Watch.
type Update struct {
	IsDelete bool
	Record
}

// Client looks up and watches service records.
type Client interface {
	// Lookup looks up the Record for the given Name.
	Lookup(Name) (Record, error)

	// Watch monitors service records for changes.
	// Watch will send updates for all services which match the provided query.
	// Every service that exists that matches will send an update on the channel.
	// Cluster must be a valid cluster name.
	Watch(context.Context, Name) (<-chan Update, error)
}

// Addrs returns the addresses corresponding to the provided address name
// for each of the tasks in the service
func (r Record) Addrs(portname string) (addrs []string) {
	for _, t := range r.Tasks {
		for _, p := range t.Addrs {
			if p.Name == portname {
				addrs = append(addrs, p.Addr)
			}
		}
	}
	sort.Strings(addrs)
	return
}
