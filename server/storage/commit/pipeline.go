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
	"fmt"
	"time"

	"go.uber.org/zap"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/metrics"
	"go.realmcore.dev/core/server/storage/shared"
)

// GrowRing grows the ring/file backing a session to at least newCapacity
// slots and returns a *shared.Bound rebound over the larger mapping.
// session.Session.GrowRing satisfies this signature directly; Pipeline
// never imports server/storage/session so this stays a function value,
// the same decoupling server/storage/txn.Attachment uses for its remap
// callback.
type GrowRing func(newCapacity int) (*shared.Bound, error)

// Config wires a Pipeline to one session's shared state and its external
// collaborators. Replication, FreeSpace, Syncer and GrowRing are all
// optional; a nil value is treated as "this collaborator/feature is not in
// use" rather than an error.
type Config struct {
	Bound       *shared.Bound
	GroupWriter collab.GroupWriter
	Replication collab.ReplicationLog
	FreeSpace   collab.FreeSpaceTracker
	// Syncer flushes the data file to stable storage. Used only for
	// Durability == shared.Full; when nil, the sync step is skipped.
	Syncer     collab.Syncer
	Durability shared.Durability
	GrowRing   GrowRing
	// MaxWriteSlots and RelaxedSyncThreshold parameterize the Async-mode
	// write backpressure of spec.md §4.7's writer-side interaction; both
	// are ignored outside Durability == shared.Async.
	MaxWriteSlots        int32
	RelaxedSyncThreshold int32
	Logger               *zap.Logger
}

// Pipeline drives spec.md §4.6's CommitPipeline for one session. A session
// has exactly one Pipeline; every write attachment shares it, the same way
// every write transaction in the teacher repo shares one batchTx.
type Pipeline struct {
	bound                *shared.Bound
	gw                   collab.GroupWriter
	repl                 collab.ReplicationLog
	free                 collab.FreeSpaceTracker
	syncer               collab.Syncer
	durability           shared.Durability
	growRing             GrowRing
	maxWriteSlots        int32
	relaxedSyncThreshold int32
	lg                   *zap.Logger
}

// NewPipeline constructs a Pipeline from cfg.
func NewPipeline(cfg Config) *Pipeline {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Pipeline{
		bound:                cfg.Bound,
		gw:                   cfg.GroupWriter,
		repl:                 cfg.Replication,
		free:                 cfg.FreeSpace,
		syncer:               cfg.Syncer,
		durability:           cfg.Durability,
		growRing:             cfg.GrowRing,
		maxWriteSlots:        cfg.MaxWriteSlots,
		relaxedSyncThreshold: cfg.RelaxedSyncThreshold,
		lg:                   lg,
	}
}

// Commit implements spec.md §4.6 steps 2-8. The caller (txn.Attachment,
// via write_mutex) must already hold write_mutex; Commit does not lock it
// itself.
func (p *Pipeline) Commit(readlockVersion uint64) (uint64, error) {
	p.waitForWriteSlot()

	start := time.Now()
	defer func() {
		metrics.CommitDuration.Observe(time.Since(start).Seconds())
	}()

	current := p.bound.Ring.Slot(p.bound.Ring.Last()).Version
	reserved := current + 1
	if p.repl != nil {
		v, err := p.repl.PrepareCommit(current)
		if err != nil {
			return 0, fmt.Errorf("commit: prepare replication: %w", err)
		}
		reserved = v
	}

	if p.free != nil {
		p.free.SetReadlockVersion(readlockVersion)
	}

	newTopRef, newFileSize, err := p.gw.Commit(readlockVersion)
	if err != nil {
		if p.repl != nil {
			p.repl.AbortCommit(reserved)
		}
		return 0, fmt.Errorf("commit: serialize: %w", err)
	}

	if p.durability == shared.Full {
		if err := p.fsync(); err != nil {
			if p.repl != nil {
				p.repl.AbortCommit(reserved)
			}
			return 0, fmt.Errorf("commit: fsync: %w", err)
		}
	}

	bound, err := p.ensureRoom()
	if err != nil {
		if p.repl != nil {
			p.repl.AbortCommit(reserved)
		}
		return 0, err
	}

	next := bound.Ring.NextSlot()
	slot := bound.Ring.Slot(next)
	slot.Version = reserved
	slot.TopRef = newTopRef
	slot.FileSize = newFileSize
	slot.Count.MarkUsed()
	bound.Ring.Publish(next)

	bound.ControlMutex.Lock()
	bound.LatestVersionNumber = reserved
	bound.ControlMutex.Unlock()
	bound.NewCommitAvailable.Broadcast()

	if p.repl != nil {
		p.repl.FinalizeCommit(reserved)
	}

	if reclaimed := bound.Ring.Cleanup(); reclaimed > 0 {
		metrics.SlotsReclaimed.Add(float64(reclaimed))
	}
	metrics.RingOccupancy.Set(float64(bound.Ring.NumberOfVersions()))

	p.lg.Debug("commit: published", zap.Uint64("version", reserved), zap.Uint64("top_ref", newTopRef))
	return reserved, nil
}

// waitForWriteSlot implements spec.md §4.7's writer-side interaction: in
// Async mode, take balance_mutex, nudge the daemon awake if slack is
// getting low, block on room_to_write while no slot is free, then take a
// slot. A zero MaxWriteSlots means the daemon-free path is in use (no
// Async daemon configured), so backpressure is skipped entirely.
func (p *Pipeline) waitForWriteSlot() {
	if p.durability != shared.Async || p.maxWriteSlots <= 0 {
		return
	}
	b := p.bound
	b.BalanceMutex.Lock()
	if b.FreeWriteSlots < p.relaxedSyncThreshold {
		b.WorkToDo.Broadcast()
	}
	for b.FreeWriteSlots <= 0 {
		gen := b.RoomToWrite.Generation()
		b.BalanceMutex.Unlock()
		b.RoomToWrite.Wait(gen, time.Time{})
		b.BalanceMutex.Lock()
	}
	b.FreeWriteSlots--
	b.BalanceMutex.Unlock()
}

// fsync times the durability sync step (spec.md §4.6 step 4) and is only
// called for Durability == shared.Full.
func (p *Pipeline) fsync() error {
	if p.syncer == nil {
		return nil
	}
	start := time.Now()
	err := p.syncer.Sync()
	metrics.FsyncDuration.Observe(time.Since(start).Seconds())
	return err
}

// ensureRoom implements spec.md §4.6 step 5: grow the ring (and its
// backing file) before publishing if no free slot remains.
func (p *Pipeline) ensureRoom() (*shared.Bound, error) {
	if !p.bound.Ring.IsFull() {
		return p.bound, nil
	}
	if p.growRing == nil {
		return nil, ErrRingFull
	}
	grown, err := p.growRing(p.bound.Ring.Capacity() * 2)
	if err != nil {
		return nil, fmt.Errorf("commit: grow ring: %w", err)
	}
	p.bound = grown
	return grown, nil
}
