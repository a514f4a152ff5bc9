// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package funcconfig holds the read-only function registry built at startup
// from the function configuration document. Lookups after Load take no lock.
package funcconfig

import (
	"encoding/json"
	"fmt"

	"github.com/pkusys/halfmoon/internal/core"
)

// Entry describes one configured function.
type Entry struct {
	FuncID        core.FuncID
	FuncName      string
	IsGrpcService bool

	// GrpcMethodIDs maps a method name to its in-function method id.
	// Empty for non-gRPC functions.
	GrpcMethodIDs map[string]core.MethodID
}

// jsonEntry is the on-disk form of an Entry.
type jsonEntry struct {
	FuncName    string   `json:"funcName"`
	FuncID      uint16   `json:"funcId"`
	Grpc        bool     `json:"grpc"`
	GrpcMethods []string `json:"grpcMethods"`
}

// Config is the loaded registry.
type Config struct {
	byName map[string]*Entry
	byID   map[core.FuncID]*Entry
}

// Load parses and validates a function configuration document:
//
//	[
//	  {"funcName": "echo", "funcId": 7},
//	  {"funcName": "pkg.Service", "funcId": 8, "grpc": true,
//	   "grpcMethods": ["Foo", "Bar"]}
//	]
//
// Method ids are assigned in declaration order starting from 0.
func Load(data []byte) (*Config, error) {
	var entries []jsonEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse function config: %v", err)
	}
	c := &Config{
		byName: make(map[string]*Entry),
		byID:   make(map[core.FuncID]*Entry),
	}
	for _, je := range entries {
		if je.FuncName == "" {
			return nil, fmt.Errorf("function entry with empty name")
		}
		if je.FuncID == 0 {
			return nil, fmt.Errorf("function %q has no funcId", je.FuncName)
		}
		if _, ok := c.byName[je.FuncName]; ok {
			return nil, fmt.Errorf("duplicate function name %q", je.FuncName)
		}
		if _, ok := c.byID[core.FuncID(je.FuncID)]; ok {
			return nil, fmt.Errorf("duplicate funcId %d", je.FuncID)
		}
		entry := &Entry{
			FuncID:        core.FuncID(je.FuncID),
			FuncName:      je.FuncName,
			IsGrpcService: je.Grpc,
		}
		if je.Grpc {
			entry.GrpcMethodIDs = make(map[string]core.MethodID)
			for i, method := range je.GrpcMethods {
				if method == "" {
					return nil, fmt.Errorf("function %q has an empty gRPC method name", je.FuncName)
				}
				if _, ok := entry.GrpcMethodIDs[method]; ok {
					return nil, fmt.Errorf("function %q duplicates gRPC method %q", je.FuncName, method)
				}
				entry.GrpcMethodIDs[method] = core.MethodID(i)
			}
		} else if len(je.GrpcMethods) > 0 {
			return nil, fmt.Errorf("function %q lists gRPC methods but is not marked grpc", je.FuncName)
		}
		c.byName[entry.FuncName] = entry
		c.byID[entry.FuncID] = entry
	}
	return c, nil
}

// FindByName returns the entry for the given function name, or nil.
func (c *Config) FindByName(name string) *Entry {
	return c.byName[name]
}

// FindByID returns the entry for the given function id, or nil.
func (c *Config) FindByID(id core.FuncID) *Entry {
	return c.byID[id]
}

// NumFuncs returns how many functions are registered.
func (c *Config) NumFuncs() int {
	return len(c.byID)
}
