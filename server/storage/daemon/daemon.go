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

// Package daemon implements the optional AsyncDaemon of spec.md §4.7: a
// second writer participant that, in Async durability mode, copies
// committed in-memory state to the data file on a timer instead of letting
// every commit pay for an fsync.
//
// Grounded on etcd backend.go's run(): a dedicated goroutine driven by a
// stopc/donec pair, committing a pending batch on a timer rather than on
// every write.
package daemon

import (
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/metrics"
	"go.realmcore.dev/core/server/storage/shared"
)

// workToDoSleep bounds the daemon's idle wait for work_to_do (spec.md §4.7
// step 5, "sleep up to ≈10 ms").
const workToDoSleep = 10 * time.Millisecond

// Config wires a Daemon to the session it serves.
type Config struct {
	Bound       *shared.Bound
	GroupWriter collab.GroupWriter
	// Path is the data file; its disappearance is this daemon's signal to
	// exit (spec.md §4.7 step 2), the same way a MemOnly session's last
	// attachment removes it on Close.
	Path                 string
	MaxWriteSlots        int32
	RelaxedSyncThreshold int32
	Logger               *zap.Logger
}

// Daemon runs spec.md §4.7's loop. One Daemon serves one session.
type Daemon struct {
	cfg   Config
	lg    *zap.Logger
	bound *shared.Bound

	pinnedIdx     uint32
	pinnedVersion uint64

	stopc chan struct{}
	donec chan struct{}
}

// New constructs a Daemon. Call Run on its own goroutine.
func New(cfg Config) *Daemon {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Daemon{
		cfg:   cfg,
		lg:    lg,
		bound: cfg.Bound,
		stopc: make(chan struct{}),
		donec: make(chan struct{}),
	}
}

// Run executes spec.md §4.7's loop until Stop is called or the loop
// observes its own exit condition (step 2). Call it from the daemon's own
// goroutine.
func (d *Daemon) Run() {
	defer close(d.donec)
	d.pin(d.bound.Ring.Last())
	for {
		select {
		case <-d.stopc:
			d.release()
			return
		default:
		}
		if exit := d.tick(); exit {
			d.release()
			return
		}
	}
}

// Stop requests the loop exit and waits for it to do so.
func (d *Daemon) Stop() {
	close(d.stopc)
	<-d.donec
}

// Done returns a channel closed once Run has returned, whether because
// Stop was called or the loop reached its own exit condition.
func (d *Daemon) Done() <-chan struct{} { return d.donec }

// tick runs one iteration of spec.md §4.7's loop body, returning true if
// the daemon should exit (step 2).
func (d *Daemon) tick() bool {
	d.bound.WriteMutex.Lock()
	d.bound.ControlMutex.Lock()
	latest := d.bound.Ring.Last()
	latestVersion := d.bound.Ring.Slot(latest).Version
	numParticipants := d.bound.NumParticipants
	d.bound.ControlMutex.Unlock()

	if latestVersion == d.pinnedVersion {
		d.bound.WriteMutex.Unlock()
		if d.shouldExit(numParticipants) {
			atomic.StoreUint32(&d.bound.DaemonStarted, 0)
			atomic.StoreUint32(&d.bound.DaemonReady, 0)
			return true
		}
		d.sleepOnWorkToDo()
		return false
	}

	newTopRef, newFileSize, err := d.cfg.GroupWriter.Commit(d.pinnedVersion)
	if err != nil {
		d.bound.WriteMutex.Unlock()
		d.lg.Warn("daemon: write top-ref to disk", zap.Error(err))
		d.sleepOnWorkToDo()
		return false
	}
	slot := d.bound.Ring.Slot(latest)
	slot.TopRef = newTopRef
	slot.FileSize = newFileSize
	d.repin(latest, latestVersion)
	d.refillWriteSlots()
	d.bound.WriteMutex.Unlock()

	slots := d.readFreeWriteSlots()
	metrics.DaemonBacklog.Set(float64(slots))
	if slots > d.cfg.RelaxedSyncThreshold {
		d.sleepOnWorkToDo()
	}
	return false
}

// shouldExit implements spec.md §4.7 step 2: the daemon stops once its own
// snapshot is current and either the data file is gone or it is the last
// participant left.
func (d *Daemon) shouldExit(numParticipants uint32) bool {
	if numParticipants == 1 {
		return true
	}
	if d.cfg.Path == "" {
		return false
	}
	_, err := os.Stat(d.cfg.Path)
	return os.IsNotExist(err)
}

func (d *Daemon) pin(idx uint32) {
	for !d.bound.Ring.Slot(idx).Count.TryAcquire() {
		time.Sleep(time.Microsecond)
	}
	d.pinnedIdx = idx
	d.pinnedVersion = d.bound.Ring.Slot(idx).Version
}

func (d *Daemon) repin(idx uint32, version uint64) {
	d.bound.Ring.Slot(d.pinnedIdx).Count.Release()
	d.pin(idx)
	d.pinnedVersion = version
}

func (d *Daemon) release() {
	d.bound.Ring.Slot(d.pinnedIdx).Count.Release()
}

// refillWriteSlots implements spec.md §4.7 step 4, serialized against the
// writer-side decrement in server/storage/commit.Pipeline through the same
// balance_mutex/free_write_slots pair.
func (d *Daemon) refillWriteSlots() {
	d.bound.BalanceMutex.Lock()
	starved := d.bound.FreeWriteSlots <= 0
	d.bound.FreeWriteSlots = d.cfg.MaxWriteSlots
	d.bound.BalanceMutex.Unlock()
	if starved {
		d.bound.RoomToWrite.Broadcast()
	}
}

func (d *Daemon) readFreeWriteSlots() int32 {
	d.bound.BalanceMutex.Lock()
	defer d.bound.BalanceMutex.Unlock()
	return d.bound.FreeWriteSlots
}

func (d *Daemon) sleepOnWorkToDo() {
	gen := d.bound.WorkToDo.Generation()
	d.bound.WorkToDo.Wait(gen, time.Now().Add(workToDoSleep))
}
