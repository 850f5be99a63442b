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

package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

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

func noRemap() (*shared.Bound, error) { return nil, nil }

// fakeCommitter publishes a new slot on every Commit call, mirroring just
// enough of commit.Pipeline's behavior to drive Attachment.Commit's state
// transition without importing the real package.
type fakeCommitter struct {
	bound *shared.Bound
	fail  error
}

func (c *fakeCommitter) Commit(readlockVersion uint64) (uint64, error) {
	if c.fail != nil {
		return 0, c.fail
	}
	cur := c.bound.Ring.Last()
	next := c.bound.Ring.NextSlot()
	newVersion := c.bound.Ring.Slot(cur).Version + 1
	slot := c.bound.Ring.Slot(next)
	slot.Version = newVersion
	slot.TopRef = c.bound.Ring.Slot(cur).TopRef + 64
	slot.FileSize = c.bound.Ring.Slot(cur).FileSize + 64
	slot.Count.Store(0)
	c.bound.Ring.Publish(next)
	c.bound.Ring.Cleanup()
	return newVersion, nil
}

func TestBeginReadEndReadRoundTrip(t *testing.T) {
	b := newTestBound(t)
	a := NewAttachment(b, noRemap, &fakeCommitter{bound: b})

	require.Equal(t, Ready, a.State())
	require.NoError(t, a.BeginRead(nil))
	require.Equal(t, Reading, a.State())
	require.EqualValues(t, 1, a.ReadLock().Version)
	require.NoError(t, a.EndRead())
	require.Equal(t, Ready, a.State())
}

func TestEndReadAndRollbackAreIdempotentWhileReady(t *testing.T) {
	b := newTestBound(t)
	a := NewAttachment(b, noRemap, &fakeCommitter{bound: b})

	require.NoError(t, a.EndRead())
	require.NoError(t, a.Rollback())
}

func TestInvalidTransitionsFail(t *testing.T) {
	b := newTestBound(t)
	a := NewAttachment(b, noRemap, &fakeCommitter{bound: b})

	_, err := a.Commit()
	require.ErrorIs(t, err, ErrWrongTransactionState)

	require.NoError(t, a.BeginRead(nil))
	require.ErrorIs(t, a.BeginWrite(), ErrWrongTransactionState)
}

func TestBeginWriteCommitAdvancesVersion(t *testing.T) {
	b := newTestBound(t)
	a := NewAttachment(b, noRemap, &fakeCommitter{bound: b})

	require.NoError(t, a.BeginWrite())
	require.Equal(t, Writing, a.State())

	v, err := a.Commit()
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
	require.Equal(t, Ready, a.State())
}

func TestRollbackDiscardsWithoutPublishing(t *testing.T) {
	b := newTestBound(t)
	a := NewAttachment(b, noRemap, &fakeCommitter{bound: b})

	require.NoError(t, a.BeginWrite())
	require.NoError(t, a.Rollback())
	require.Equal(t, Ready, a.State())
	require.EqualValues(t, 1, b.Ring.Slot(b.Ring.Last()).Version)
}

func TestHasChanged(t *testing.T) {
	b := newTestBound(t)
	a := NewAttachment(b, noRemap, &fakeCommitter{bound: b})
	require.NoError(t, a.BeginRead(nil))
	require.False(t, a.HasChanged())

	other := NewAttachment(b, noRemap, &fakeCommitter{bound: b})
	require.NoError(t, other.BeginWrite())
	_, err := other.Commit()
	require.NoError(t, err)

	require.True(t, a.HasChanged())
	require.NoError(t, a.EndRead())
}

func TestGrabSpecificSnapshotFailsOnceVersionIsReclaimed(t *testing.T) {
	b := newTestBound(t)
	reader := NewAttachment(b, noRemap, &fakeCommitter{bound: b})
	require.NoError(t, reader.BeginRead(nil))
	staleHint := reader.ReadLock()
	require.NoError(t, reader.EndRead()) // releases the slot so cleanup can reclaim it

	writer := NewAttachment(b, noRemap, &fakeCommitter{bound: b})
	for i := 0; i < ringbuf.MinCapacity+2; i++ {
		require.NoError(t, writer.BeginWrite())
		_, err := writer.Commit()
		require.NoError(t, err)
	}

	err := reader.BeginRead(&staleHint)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestGrabSpecificSnapshotSucceedsForUnchangedSlot(t *testing.T) {
	b := newTestBound(t)
	a := NewAttachment(b, noRemap, &fakeCommitter{bound: b})
	require.NoError(t, a.BeginRead(nil))
	hint := a.ReadLock()
	require.NoError(t, a.EndRead())

	require.NoError(t, a.BeginRead(&hint))
	require.Equal(t, hint, a.ReadLock())
}
