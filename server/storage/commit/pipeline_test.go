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

package commit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/ringbuf"
	"go.realmcore.dev/core/server/storage/shared"
)

func newTestBound(t *testing.T) *shared.Bound {
	t.Helper()
	ctrl := &shared.Control{}
	shared.Stamp(ctrl)
	slots := make([]ringbuf.Slot, ringbuf.MinCapacity)
	b := shared.Bind(ctrl, slots)
	b.Ring.Initialize(ringbuf.MinCapacity)
	ctrl.RingCapacity = ringbuf.MinCapacity
	b.Ring.Slot(0).Version = 1
	b.Ring.Slot(0).TopRef = 100
	b.Ring.Slot(0).FileSize = 4096
	return b
}

// expandInPlace grows bound's Ring in place, standing in for
// session.Session.GrowRing without any real mmap behind it.
func expandInPlace(b *shared.Bound) GrowRing {
	return func(newCapacity int) (*shared.Bound, error) {
		if err := b.Ring.ExpandTo(newCapacity); err != nil {
			return nil, err
		}
		return b, nil
	}
}

func TestCommitPublishesNewVersion(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	p := NewPipeline(Config{Bound: b, GroupWriter: gw, Durability: shared.MemOnly})

	v, err := p.Commit(1)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	last := b.Ring.Slot(b.Ring.Last())
	require.EqualValues(t, 2, last.Version)
	require.EqualValues(t, 164, last.TopRef)
	require.EqualValues(t, 2, b.LatestVersionNumber)
}

func TestCommitSyncsOnlyForFullDurability(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	syncer := &collab.FakeSyncer{}
	p := NewPipeline(Config{Bound: b, GroupWriter: gw, Durability: shared.Full, Syncer: syncer})

	_, err := p.Commit(1)
	require.NoError(t, err)
	require.Equal(t, 1, syncer.Synced)
}

func TestCommitSkipsSyncOutsideFullDurability(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	syncer := &collab.FakeSyncer{}
	p := NewPipeline(Config{Bound: b, GroupWriter: gw, Durability: shared.Async, Syncer: syncer})

	_, err := p.Commit(1)
	require.NoError(t, err)
	require.Equal(t, 0, syncer.Synced)
}

func TestCommitDrivesReplicationHooks(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	repl := &collab.FakeReplicationLog{}
	p := NewPipeline(Config{Bound: b, GroupWriter: gw, Durability: shared.MemOnly, Replication: repl})

	v, err := p.Commit(1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, repl.Prepared)
	require.Equal(t, []uint64{v}, repl.Finalized)
	require.Empty(t, repl.Aborted)
}

func TestCommitAbortsReplicationOnSerializeFailure(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	repl := &collab.FakeReplicationLog{}
	broken := &brokenGroupWriter{fail: errors.New("disk full")}
	p := NewPipeline(Config{Bound: b, GroupWriter: broken, Durability: shared.MemOnly, Replication: repl})

	_, err := p.Commit(1)
	require.Error(t, err)
	require.Equal(t, []uint64{2}, repl.Aborted) // PrepareCommit(1) reserved version 2
	require.Empty(t, repl.Finalized)
	// ring must not have advanced
	require.EqualValues(t, 1, b.Ring.Slot(b.Ring.Last()).Version)
	_ = gw
}

func TestCommitSeedsFreeSpaceTrackerWithReadlockVersion(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	tracker := &collab.FakeFreeSpaceTracker{}
	p := NewPipeline(Config{Bound: b, GroupWriter: gw, Durability: shared.MemOnly, FreeSpace: tracker})

	_, err := p.Commit(7)
	require.NoError(t, err)
	require.EqualValues(t, 7, tracker.ReadlockVersion)
}

// fillRing pins slot 0 with a permanent reader so Cleanup can never reclaim
// it, then commits until the ring reports full.
func fillRing(t *testing.T, b *shared.Bound, p *Pipeline) {
	t.Helper()
	require.True(t, b.Ring.Slot(0).Count.TryAcquire())
	for i := 0; !b.Ring.IsFull(); i++ {
		require.Less(t, i, ringbuf.MinCapacity+2, "ring never reported full")
		_, err := p.Commit(1)
		require.NoError(t, err)
	}
}

func TestCommitGrowsRingWhenFull(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	p := NewPipeline(Config{Bound: b, GroupWriter: gw, Durability: shared.MemOnly, GrowRing: expandInPlace(b)})

	fillRing(t, b, p)
	capBefore := b.Ring.Capacity()

	_, err := p.Commit(1)
	require.NoError(t, err)
	require.Greater(t, b.Ring.Capacity(), capBefore)
}

func TestCommitFailsWithoutGrowthHookWhenRingIsFull(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(100)
	p := NewPipeline(Config{Bound: b, GroupWriter: gw, Durability: shared.MemOnly})

	fillRing(t, b, p)

	_, err := p.Commit(1)
	require.ErrorIs(t, err, ErrRingFull)
}

func TestCommitBlocksForAsyncWriteSlot(t *testing.T) {
	b := newTestBound(t)
	b.FreeWriteSlots = 0
	gw := collab.NewFakeGroupWriter(100)
	p := NewPipeline(Config{
		Bound: b, GroupWriter: gw, Durability: shared.Async,
		MaxWriteSlots: 2, RelaxedSyncThreshold: 1,
	})

	done := make(chan struct{})
	go func() {
		_, err := p.Commit(1)
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("commit returned before a write slot was available")
	case <-time.After(20 * time.Millisecond):
	}

	b.BalanceMutex.Lock()
	b.FreeWriteSlots = 1
	b.BalanceMutex.Unlock()
	b.RoomToWrite.Broadcast()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commit never unblocked after a room_to_write broadcast")
	}
}

type brokenGroupWriter struct{ fail error }

func (b *brokenGroupWriter) Commit(readlockVersion uint64) (uint64, uint64, error) {
	return 0, 0, b.fail
}
