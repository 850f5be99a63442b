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

package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/ringbuf"
	"go.realmcore.dev/core/server/storage/shared"
)

// TestMain verifies Run's goroutine never outlives Stop: every test that
// spawns one must join it (directly via Stop, or via Done) before
// returning.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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
	b.NumParticipants = 2
	return b
}

// publishNextVersion simulates a writer publishing a new snapshot directly
// on the ring, the way a real commit.Pipeline.Commit would.
func publishNextVersion(b *shared.Bound, topRef, fileSize uint64) uint64 {
	cur := b.Ring.Last()
	next := b.Ring.NextSlot()
	version := b.Ring.Slot(cur).Version + 1
	slot := b.Ring.Slot(next)
	slot.Version, slot.TopRef, slot.FileSize = version, topRef, fileSize
	slot.Count.MarkUsed()
	b.Ring.Publish(next)
	b.Ring.Cleanup()
	return version
}

func TestDaemonFlushesNewerSnapshotAndRepins(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(1000)
	d := New(Config{Bound: b, GroupWriter: gw, MaxWriteSlots: 4, RelaxedSyncThreshold: 2})
	d.pin(b.Ring.Last()) // pins version 1

	publishNextVersion(b, 900, 900) // a writer commits version 2 in memory

	require.False(t, d.tick())
	require.EqualValues(t, 2, d.pinnedVersion)
	latest := b.Ring.Slot(b.Ring.Last())
	require.EqualValues(t, 1064, latest.TopRef) // FakeGroupWriter's own accounting, not the writer's values
	require.EqualValues(t, 4, b.FreeWriteSlots)  // refilled to MaxWriteSlots
}

func TestDaemonDoesNothingWhenNoNewerSnapshot(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(1000)
	d := New(Config{Bound: b, GroupWriter: gw, MaxWriteSlots: 4, RelaxedSyncThreshold: 2})
	d.pin(b.Ring.Last())

	require.False(t, d.tick())
	require.EqualValues(t, 1, d.pinnedVersion)
}

func TestDaemonRefillsWriteSlotsAndWakesWriters(t *testing.T) {
	b := newTestBound(t)
	b.FreeWriteSlots = 0
	gw := collab.NewFakeGroupWriter(1000)
	d := New(Config{Bound: b, GroupWriter: gw, MaxWriteSlots: 5, RelaxedSyncThreshold: 2})
	d.pin(b.Ring.Last())

	publishNextVersion(b, 900, 900)

	waiterWoke := make(chan struct{})
	go func() {
		gen := b.RoomToWrite.Generation()
		b.RoomToWrite.Wait(gen, time.Now().Add(time.Second))
		close(waiterWoke)
	}()
	time.Sleep(5 * time.Millisecond) // let the waiter register its generation

	require.False(t, d.tick())
	require.EqualValues(t, 5, b.FreeWriteSlots)

	select {
	case <-waiterWoke:
	case <-time.After(time.Second):
		t.Fatal("refillWriteSlots never broadcast room_to_write")
	}
}

func TestDaemonExitsWhenLastParticipantRemains(t *testing.T) {
	b := newTestBound(t)
	b.NumParticipants = 1
	gw := collab.NewFakeGroupWriter(1000)
	d := New(Config{Bound: b, GroupWriter: gw, MaxWriteSlots: 1, RelaxedSyncThreshold: 0})
	d.pin(b.Ring.Last())

	require.True(t, d.tick())
	require.EqualValues(t, 0, b.DaemonStarted)
	require.EqualValues(t, 0, b.DaemonReady)
}

func TestDaemonExitsWhenDataFileRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.realm") // never created

	b := newTestBound(t) // NumParticipants == 2, so only the file-removal path can trigger exit
	gw := collab.NewFakeGroupWriter(1000)
	d := New(Config{Bound: b, GroupWriter: gw, Path: path, MaxWriteSlots: 1, RelaxedSyncThreshold: 0})
	d.pin(b.Ring.Last())

	require.True(t, d.tick())
}

func TestDaemonKeepsRunningWhileParticipantsRemainAndFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present.realm")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(1000)
	d := New(Config{Bound: b, GroupWriter: gw, Path: path, MaxWriteSlots: 1, RelaxedSyncThreshold: 0})
	d.pin(b.Ring.Last())

	require.False(t, d.tick())
}

// TestRunStopJoinsGoroutineCleanly exercises Run/Stop/Done rather than the
// tick-at-a-time unit tests above: Stop must not return until Run's own
// goroutine has exited, so goleak never observes it as still alive.
func TestRunStopJoinsGoroutineCleanly(t *testing.T) {
	b := newTestBound(t)
	gw := collab.NewFakeGroupWriter(1000)
	d := New(Config{Bound: b, GroupWriter: gw, MaxWriteSlots: 4, RelaxedSyncThreshold: 2})

	go d.Run()

	select {
	case <-d.Done():
		t.Fatal("daemon exited before Stop was called")
	case <-time.After(20 * time.Millisecond):
	}

	d.Stop()

	select {
	case <-d.Done():
	default:
		t.Fatal("Stop returned before Run's goroutine exited")
	}
}
