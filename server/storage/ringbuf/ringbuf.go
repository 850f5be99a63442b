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

// Package ringbuf implements the lock-free version ringbuffer described in
// spec.md §3 (DATA MODEL) and §4.2 (Ringbuffer). It is the registry of live
// snapshot descriptors shared between a single writer and many concurrent
// readers.
//
// In production the slot backing array is supplied by the caller through
// Bind (server/storage/shared maps it directly out of the control file, the
// way gdbx's lockFile maps its reader-slot table), and Initialize, GrowInto
// and SpliceGrowth write into that storage in place. New and ExpandTo
// allocate process-local slices for single-process callers, and Initialize
// allocates when the bound storage is shorter than the requested capacity.
package ringbuf

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"go.realmcore.dev/core/pkg/atomicx"
)

// MinCapacity is C₀, the smallest ring the first attacher may initialize.
const MinCapacity = 16

// Slot is one snapshot descriptor: spec.md §3's {version, top_ref,
// file_size, count, next} tuple. Fields are plain-old-data other than
// Count, which is the only field legally mutated outside write_mutex.
type Slot struct {
	Version  uint64
	TopRef   uint64
	FileSize uint64
	Count    atomicx.Counter
	Next     uint32
}

// Ring is the circular linked list of Slots. All methods other than the
// read-only Last/IsFull/Next/Slot accessors and the Count-only reader path
// require the caller to hold write_mutex, per spec.md §5.
//
// putPos and oldPos are pointers rather than embedded fields so a Ring can
// be Bind-ed directly on top of memory that lives inside a mapped
// SharedControl region (server/storage/shared), with put_pos and old_pos
// physically adjacent to the rest of the session's shared metadata — the
// same reason gdbx's lockFile keeps its reader slots as a slice over
// mmap'd bytes rather than copying them into process-local memory.
type Ring struct {
	lg     *zap.Logger
	slots  []Slot
	putPos *uint32 // acquire/release-guarded index of the current snapshot
	oldPos *uint32        // oldest live slot; writer-owned
	maxPos uint32         // len(slots), cached for bounds checks
}

// New allocates a ring with process-local backing storage, for use in
// tests and single-process callers. Production sessions use Bind to attach
// to a pre-mapped slice shared across processes.
func New(lg *zap.Logger, capacity int) *Ring {
	if lg == nil {
		lg = zap.NewNop()
	}
	r := &Ring{lg: lg, putPos: new(uint32), oldPos: new(uint32)}
	r.Initialize(capacity)
	return r
}

// Bind attaches a Ring to externally-owned storage: a slots slice and the
// put_pos/old_pos words, typically mapped directly out of a SharedControl
// region. It does not initialize them; call Initialize for a fresh session
// or rely on the existing contents for a returning attacher.
func Bind(lg *zap.Logger, slots []Slot, putPos *uint32, oldPos *uint32) *Ring {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Ring{lg: lg, slots: slots, putPos: putPos, oldPos: oldPos, maxPos: uint32(len(slots))}
}

// Initialize lays out a fresh ring of the given capacity (rounded up to at
// least MinCapacity): all slots free (Count == 1) except slot 0, which
// becomes the current snapshot with zero readers, linked circularly. It
// writes into the slots the Ring was bound over when they hold at least
// capacity entries, and allocates process-local storage otherwise.
func (r *Ring) Initialize(capacity int) {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if len(r.slots) >= capacity {
		r.slots = r.slots[:capacity]
	} else {
		r.slots = make([]Slot, capacity)
	}
	for i := range r.slots {
		r.slots[i].Count.Store(1) // free
		r.slots[i].Next = uint32((i + 1) % capacity)
	}
	r.slots[0].Count.Store(0) // current, zero readers
	atomic.StoreUint32(r.putPos, 0)
	*r.oldPos = 0
	r.maxPos = uint32(capacity)
}

// Capacity returns the number of slots currently backing the ring.
func (r *Ring) Capacity() int { return len(r.slots) }

// Last acquire-loads put_pos: the index of the current snapshot.
func (r *Ring) Last() uint32 { return atomic.LoadUint32(r.putPos) }

// Slot returns a pointer to the slot at idx. Readers may only touch its
// Count field; every other field is writer-owned.
func (r *Ring) Slot(idx uint32) *Slot { return &r.slots[idx] }

// Next returns the index that follows idx in the circular list.
func (r *Ring) Next(idx uint32) uint32 { return r.slots[idx].Next }

// IsFull reports whether no slot remains to publish into without first
// reclaiming one: the free-marker invariant requires at least one free
// slot separating the live region from itself when the ring is not empty.
func (r *Ring) IsFull() bool {
	return r.Next(r.Last()) == *r.oldPos
}

// OldPos returns the index of the oldest live slot (writer-owned).
func (r *Ring) OldPos() uint32 { return *r.oldPos }

// ExpandTo grows the ring to newCapacity by splicing freshly-initialized,
// free slots between put_pos and old_pos. It allocates its own process-local
// backing slice, for single-process callers (tests, and any Ring built with
// New rather than Bind). Production sessions sharing a mapped control region
// must use GrowInto (or SpliceGrowth, when the Ring was already re-Bind-ed
// over the grown storage) instead, so the spliced slots land in the same
// memory every other attacher observes.
func (r *Ring) ExpandTo(newCapacity int) error {
	if newCapacity <= len(r.slots) {
		return fmt.Errorf("ringbuf: new capacity %d must exceed current %d", newCapacity, len(r.slots))
	}
	oldCap := uint32(len(r.slots))
	grown := make([]Slot, newCapacity)
	copy(grown, r.slots)
	return r.GrowInto(grown, oldCap)
}

// GrowInto splices newly available free slots into the circular list, given
// slots that already IS the grown backing storage — e.g. the slice returned
// by remapping a SharedControl region to a larger size. Unlike ExpandTo,
// GrowInto never reallocates: every write it makes to the spliced range
// lands in the same memory slots was sliced from, so other attachers that
// later remap to the same size see the identical free list without any
// process needing to rebroadcast it.
//
// oldCap is the capacity before growth (the prefix of slots already holding
// live ring state); the caller must hold write_mutex and must have grown
// the backing store to at least len(slots) before calling this.
func (r *Ring) GrowInto(slots []Slot, oldCap uint32) error {
	if uint32(len(slots)) <= oldCap {
		return fmt.Errorf("ringbuf: new capacity %d must exceed current %d", len(slots), oldCap)
	}
	r.slots = slots
	r.maxPos = uint32(len(slots))
	return r.SpliceGrowth(oldCap)
}

// SpliceGrowth splices the free region [oldCap, Capacity()) into the
// circular list between put_pos and old_pos. Use this instead of GrowInto
// when a Ring was already re-Bind-ed over the grown backing storage (e.g.
// session.Session.GrowRing rebuilt the *shared.Bound, and the new
// Ring's slots already cover the larger capacity but its tail has never
// been spliced in).
func (r *Ring) SpliceGrowth(oldCap uint32) error {
	newCapacity := uint32(len(r.slots))
	if newCapacity <= oldCap {
		return fmt.Errorf("ringbuf: new capacity %d must exceed current %d", newCapacity, oldCap)
	}
	added := newCapacity - oldCap

	putPos := r.Last()
	tailOfLive := r.slots[putPos].Next // currently == old_pos, since the ring was full when we grow

	for i := uint32(0); i < added; i++ {
		idx := oldCap + i
		r.slots[idx].Count.Store(1) // free
		if i+1 < added {
			r.slots[idx].Next = idx + 1
		} else {
			r.slots[idx].Next = tailOfLive
		}
	}
	r.slots[putPos].Next = oldCap

	r.lg.Debug("ringbuf: expanded", zap.Int("old_capacity", int(oldCap)), zap.Int("new_capacity", int(newCapacity)))
	return nil
}

// Publish makes the slot at idx the new current snapshot. The caller must
// have already written {Version, TopRef, FileSize} into the slot and
// store-released its Count to 0 before calling Publish; the release-store
// of put_pos here is the publication barrier for the slot payload
// (spec.md §5, "Ordering guarantees").
func (r *Ring) Publish(idx uint32) {
	atomic.StoreUint32(r.putPos, idx)
}

// NextSlot returns the index the writer should populate for the next
// commit: the slot following the current put_pos.
func (r *Ring) NextSlot() uint32 {
	return r.Next(r.Last())
}

// Cleanup advances old_pos past every slot, starting from the current
// old_pos, whose Count can be raised from 0 (used, no readers) to 1
// (free) by TryMarkFree. It stops at put_pos or at the first slot that
// still has a reader. It returns the number of slots reclaimed.
func (r *Ring) Cleanup() int {
	reclaimed := 0
	for *r.oldPos != r.Last() {
		slot := &r.slots[*r.oldPos]
		if !slot.Count.TryMarkFree() {
			break
		}
		*r.oldPos = slot.Next
		reclaimed++
	}
	return reclaimed
}

// NumberOfVersions reports the distance between the oldest live slot and
// the current one, inclusive — spec.md §3's `number_of_versions`.
func (r *Ring) NumberOfVersions() uint64 {
	n := uint64(1)
	for idx := *r.oldPos; idx != r.Last(); idx = r.Next(idx) {
		n++
	}
	return n
}
