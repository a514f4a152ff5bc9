// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "time"

var processStart = time.Now()

// MonotonicMicros returns microseconds elapsed since process start, read
// from the runtime's monotonic clock. All call timestamps (recv, dispatch)
// and interval samples use this source so they are immune to wall-clock
// adjustment.
func MonotonicMicros() int64 {
	return time.Since(processStart).Microseconds()
}
