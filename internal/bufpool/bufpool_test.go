// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("hello")
	Put(b)

	b2 := Get()
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
}

func TestDetachCopiesContents(t *testing.T) {
	b := Get()
	b.WriteString("frame")
	out := Detach(b)

	// The pooled buffer may be reused; the detached slice must not change.
	b2 := Get()
	b2.WriteString("XXXXX")
	if string(out) != "frame" {
		t.Fatalf("expected detached copy, got %q", out)
	}
	Put(b2)
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("concurrent test data")
			_ = Detach(b)
		}()
	}
	wg.Wait()
}
