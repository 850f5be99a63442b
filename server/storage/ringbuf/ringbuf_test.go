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

package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitializeLayout(t *testing.T) {
	r := New(nil, 4) // rounds up to MinCapacity
	require.Equal(t, MinCapacity, r.Capacity())
	require.EqualValues(t, 0, r.Last())
	require.False(t, r.Slot(0).Count.IsFree())
	for i := 1; i < r.Capacity(); i++ {
		require.True(t, r.Slot(uint32(i)).Count.IsFree(), "slot %d should start free", i)
	}
}

func TestPublishAdvancesLastAndCleanupReclaims(t *testing.T) {
	r := New(nil, MinCapacity)

	next := r.NextSlot()
	slot := r.Slot(next)
	slot.Version, slot.TopRef, slot.FileSize = 2, 100, 200
	slot.Count.MarkUsed() // 1 -> 0: used, no readers
	r.Publish(next)

	require.Equal(t, next, r.Last())

	reclaimed := r.Cleanup()
	require.Equal(t, 1, reclaimed, "the old slot 0 should be reclaimed now that put_pos moved past it")
	require.EqualValues(t, 1, r.OldPos())
}

func TestCleanupStopsAtSlotWithReader(t *testing.T) {
	r := New(nil, MinCapacity)

	require.True(t, r.Slot(0).Count.TryAcquire()) // a reader holds slot 0

	next := r.NextSlot()
	r.Slot(next).Count.MarkUsed()
	r.Publish(next)

	reclaimed := r.Cleanup()
	require.Equal(t, 0, reclaimed)
	require.EqualValues(t, 0, r.OldPos())
}

func TestIsFullRequiresFreeMarker(t *testing.T) {
	r := New(nil, MinCapacity)

	// Fill the ring until only the free-marker slot remains.
	for i := 0; i < r.Capacity()-2; i++ {
		next := r.NextSlot()
		r.Slot(next).Count.MarkUsed()
		r.Publish(next)
	}
	require.False(t, r.IsFull())

	next := r.NextSlot()
	r.Slot(next).Count.MarkUsed()
	r.Publish(next)
	require.True(t, r.IsFull())
}

func TestExpandToSplicesFreeSlots(t *testing.T) {
	r := New(nil, MinCapacity)
	for i := 0; i < r.Capacity()-1; i++ {
		next := r.NextSlot()
		r.Slot(next).Count.MarkUsed()
		r.Publish(next)
	}
	require.True(t, r.IsFull())

	require.NoError(t, r.ExpandTo(MinCapacity+8))
	require.Equal(t, MinCapacity+8, r.Capacity())
	require.False(t, r.IsFull())

	// Walking forward from put_pos must still reach old_pos eventually
	// through only-free slots.
	seen := 0
	for idx := r.Next(r.Last()); idx != r.OldPos(); idx = r.Next(idx) {
		require.True(t, r.Slot(idx).Count.IsFree())
		seen++
		require.Less(t, seen, r.Capacity(), "walked the whole ring without reaching old_pos")
	}
}

func TestNumberOfVersions(t *testing.T) {
	r := New(nil, MinCapacity)
	require.EqualValues(t, 1, r.NumberOfVersions())

	for i := 0; i < 3; i++ {
		next := r.NextSlot()
		r.Slot(next).Count.MarkUsed()
		r.Publish(next)
	}
	require.EqualValues(t, 4, r.NumberOfVersions())
}
