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
	"fmt"

	"go.realmcore.dev/core/server/storage/shared"
)

// Committer drives spec.md §4.6's CommitPipeline for one commit: serialize
// the mutated graph, publish the new snapshot, and report the version it
// published. Attachment.Commit only owns the Writing -> Ready edge around
// it (locking/unlocking write_mutex, acquiring/releasing the implicit
// read); server/storage/commit.Pipeline is the concrete implementation,
// kept out of this package's import graph by this narrow interface, the
// same split etcd's mvcc package draws between TxnWrite and backend.Backend.
type Committer interface {
	Commit(readlockVersion uint64) (newVersion uint64, err error)
}

// Attachment is one process/thread's transaction state machine over a
// session's shared ringbuffer and write_mutex (spec.md §4.5).
type Attachment struct {
	bound     *shared.Bound
	remap     func() (*shared.Bound, error)
	committer Committer

	state    State
	readLock ReadLock
}

// NewAttachment constructs an Attachment bound to a session's shared
// control state. remap implements spec.md §4.5's grow_reader_mapping: it
// returns a freshly bound view when the control file was remapped to a
// larger ringbuffer, or nil when nothing changed
// (server/storage/session.Session.RemapIfGrown satisfies this signature
// directly, since a remap always replaces the mapping at a new address and
// Attachment must switch to the returned Bound rather than keep reading
// through its stale one); committer drives the commit transition.
func NewAttachment(bound *shared.Bound, remap func() (*shared.Bound, error), committer Committer) *Attachment {
	return &Attachment{bound: bound, remap: remap, committer: committer}
}

// State returns the attachment's current position in the state machine.
func (a *Attachment) State() State { return a.state }

// ReadLock returns the snapshot currently held. Only meaningful in
// Reading or Writing.
func (a *Attachment) ReadLock() ReadLock { return a.readLock }

// BeginRead transitions Ready -> Reading. With hint == nil it acquires the
// latest snapshot (grab_latest_snapshot); otherwise it re-acquires the
// specific snapshot hint names (grab_specific_snapshot).
func (a *Attachment) BeginRead(hint *ReadLock) error {
	if a.state != Ready {
		return ErrWrongTransactionState
	}
	var (
		rl  ReadLock
		err error
	)
	if hint == nil {
		rl, err = a.grabLatestSnapshot()
	} else {
		rl, err = a.grabSpecificSnapshot(*hint)
	}
	if err != nil {
		return err
	}
	a.readLock = rl
	a.state = Reading
	return nil
}

// EndRead transitions Reading -> Ready, releasing the held snapshot. It is
// a no-op while already Ready (spec.md §4.5).
func (a *Attachment) EndRead() error {
	switch a.state {
	case Ready:
		return nil
	case Reading:
		a.releaseSnapshot()
		a.state = Ready
		return nil
	default:
		return ErrWrongTransactionState
	}
}

// BeginWrite transitions Ready -> Writing: locks write_mutex, then begins
// an implicit read on the latest snapshot.
func (a *Attachment) BeginWrite() error {
	if a.state != Ready {
		return ErrWrongTransactionState
	}
	a.bound.WriteMutex.Lock()
	rl, err := a.grabLatestSnapshot()
	if err != nil {
		a.bound.WriteMutex.Unlock()
		return err
	}
	a.readLock = rl
	a.state = Writing
	return nil
}

// Commit transitions Writing -> Ready, driving the committer through
// serialize/publish and then releasing write_mutex and the implicit read
// regardless of outcome — a failed commit still leaves the attachment
// Ready, per spec.md §7's propagation policy ("exceptions during commit
// before publication must roll the transaction back fully").
func (a *Attachment) Commit() (uint64, error) {
	if a.state != Writing {
		return 0, ErrWrongTransactionState
	}
	newVersion, err := a.committer.Commit(a.readLock.Version)
	a.releaseSnapshot()
	// The committer's cleanup ran while the implicit read still pinned its
	// slot; reclaim it now that the read is released.
	a.bound.Ring.Cleanup()
	a.bound.WriteMutex.Unlock()
	a.state = Ready
	if err != nil {
		return 0, fmt.Errorf("txn: commit: %w", err)
	}
	return newVersion, nil
}

// Rollback transitions Writing -> Ready without serializing anything. It
// is a no-op while already Ready (spec.md §4.5).
func (a *Attachment) Rollback() error {
	switch a.state {
	case Ready:
		return nil
	case Writing:
		a.releaseSnapshot()
		a.bound.WriteMutex.Unlock()
		a.state = Ready
		return nil
	default:
		return ErrWrongTransactionState
	}
}

// HasChanged reports whether a version newer than the one currently held
// has been published, without acquiring it.
func (a *Attachment) HasChanged() bool {
	idx := a.bound.Ring.Last()
	if a.capacityExceeds(idx) {
		// put_pos points past this attachment's mapping, which only a
		// publish into a grown ring can do.
		return true
	}
	last := a.bound.Ring.Slot(idx)
	return last.Version > a.readLock.Version
}

func (a *Attachment) capacityExceeds(idx uint32) bool {
	return idx >= uint32(a.bound.Ring.Capacity())
}

// grabLatestSnapshot is spec.md §4.5's reader hot path.
func (a *Attachment) grabLatestSnapshot() (ReadLock, error) {
	for {
		idx := a.bound.Ring.Last()
		if a.capacityExceeds(idx) {
			grown, err := a.remap()
			if err != nil {
				return ReadLock{}, err
			}
			if grown != nil {
				a.bound = grown
				continue
			}
		}
		slot := a.bound.Ring.Slot(idx)
		if !slot.Count.TryAcquire() {
			continue
		}
		return ReadLock{Version: slot.Version, ReaderIdx: idx, TopRef: slot.TopRef, FileSize: slot.FileSize}, nil
	}
}

// grabSpecificSnapshot re-acquires the slot hint was read from, failing
// with ErrBadVersion if it has since been reclaimed or if hint would move
// the reader backwards in version (spec.md §4.5).
func (a *Attachment) grabSpecificSnapshot(hint ReadLock) (ReadLock, error) {
	if hint.Version < a.readLock.Version {
		return ReadLock{}, ErrBadVersion
	}
	idx := hint.ReaderIdx
	for {
		if a.capacityExceeds(idx) {
			grown, err := a.remap()
			if err != nil {
				return ReadLock{}, err
			}
			if grown == nil {
				return ReadLock{}, ErrBadVersion
			}
			a.bound = grown
		}
		slot := a.bound.Ring.Slot(idx)
		if !slot.Count.TryAcquire() {
			return ReadLock{}, ErrBadVersion
		}
		switch {
		case slot.Version == hint.Version:
			return ReadLock{Version: slot.Version, ReaderIdx: idx, TopRef: slot.TopRef, FileSize: slot.FileSize}, nil
		case slot.Version < hint.Version:
			slot.Count.Release()
			return ReadLock{}, ErrBadVersion
		default:
			// The slot has moved past the requested version. Retry only
			// while cleanup is still probing this exact slot; otherwise
			// the version is gone for good.
			stillProbing := a.bound.Ring.OldPos() == idx
			slot.Count.Release()
			if stillProbing {
				continue
			}
			return ReadLock{}, ErrBadVersion
		}
	}
}

func (a *Attachment) releaseSnapshot() {
	a.bound.Ring.Slot(a.readLock.ReaderIdx).Count.Release()
}
