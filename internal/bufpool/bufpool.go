// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools encode buffers for wire messages.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past this are left to the GC so one large snapshot
// message does not pin memory in the pool.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Detach copies the contents of b and returns b to the pool.
func Detach(b *bytes.Buffer) []byte {
	out := bytes.Clone(b.Bytes())
	Put(b)
	return out
}
