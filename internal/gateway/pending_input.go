// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package gateway

import (
	"github.com/golang/snappy"
)

// Async calls parked in the pending queue own a copy of their input (the
// caller's buffer is gone once the call is acknowledged). Copies at or above
// this size are held snappy-compressed so a long capacity shortage doesn't
// pin the full input bytes of every queued call.
const compressInputThreshold = 4 * 1024

// pendingInput is the owned input copy of a queued async call.
type pendingInput struct {
	data       []byte
	compressed bool
}

// capturePendingInput copies (and possibly compresses) the caller-owned
// input bytes.
func capturePendingInput(input []byte) pendingInput {
	if len(input) >= compressInputThreshold {
		c := snappy.Encode(nil, input)
		if len(c) < len(input) {
			return pendingInput{data: c, compressed: true}
		}
	}
	buf := make([]byte, len(input))
	copy(buf, input)
	return pendingInput{data: buf}
}

// bytes returns the original input.
func (p pendingInput) bytes() ([]byte, error) {
	if !p.compressed {
		return p.data, nil
	}
	return snappy.Decode(nil, p.data)
}
