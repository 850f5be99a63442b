// Copyright 2024 The realmcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package atomicx implements the dual-stride optimistic counter used to
// synchronize ringbuffer readers and writers without a mutex.
//
// A slot's count encodes two orthogonal facts in one 32-bit word: a reader
// reference count, stepped by 2, and a "slot is free" flag, stepped by 1.
// Separating the strides lets either side back out of a failed attempt
// without disturbing the other's bookkeeping.
package atomicx

import "sync/atomic"

// Counter is the atomic word backing one ringbuffer slot's reader count /
// free flag. The zero value is not meaningful; callers must initialize it
// to 0 (used, no readers) or 1 (free) before use.
type Counter struct {
	v uint32
}

// Store sets the raw value with release ordering.
func (c *Counter) Store(val uint32) {
	atomic.StoreUint32(&c.v, val)
}

// Load reads the raw value with acquire ordering.
func (c *Counter) Load() uint32 {
	return atomic.LoadUint32(&c.v)
}

// TryAcquire attempts to register a reader on the slot. It adds 2 to the
// counter; if the prior value was odd (slot free), it backs out by
// subtracting 2 and returns false.
func (c *Counter) TryAcquire() bool {
	prev := atomic.AddUint32(&c.v, 2) - 2
	if prev&1 != 0 {
		atomic.AddUint32(&c.v, ^uint32(1)) // -2
		return false
	}
	return true
}

// Release removes a reader's hold on the slot.
func (c *Counter) Release() {
	atomic.AddUint32(&c.v, ^uint32(1)) // -2
}

// TryMarkFree attempts to transition a used, readerless slot (count == 0)
// to free (count == 1). It adds 1; if the prior value was nonzero (a
// reader arrived concurrently, or the slot was already free), it backs out
// by subtracting 1 and returns false.
func (c *Counter) TryMarkFree() bool {
	prev := atomic.AddUint32(&c.v, 1) - 1
	if prev != 0 {
		atomic.AddUint32(&c.v, ^uint32(0)) // -1
		return false
	}
	return true
}

// MarkUsed transitions a free slot (count == 1) back to used (count == 0).
func (c *Counter) MarkUsed() {
	atomic.AddUint32(&c.v, ^uint32(0)) // -1
}

// IsFree reports whether the counter's current value denotes a free slot.
// It is a snapshot, not a synchronizing read; callers needing a
// happens-before edge must use TryAcquire/TryMarkFree.
func (c *Counter) IsFree() bool {
	return c.Load()&1 != 0
}

// ReaderCount returns the number of live readers encoded in the counter.
// Only meaningful when IsFree is false.
func (c *Counter) ReaderCount() uint32 {
	return c.Load() / 2
}
