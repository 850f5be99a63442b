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

// Package shared implements SharedControl: the process-shared, file-backed
// control region of spec.md §4.3, §3 ("Shared control block"), and the
// wire-level layout of spec.md §6.
//
// Control is deliberately plain-old-data (no slices, no pointers other than
// the cross-referencing ones established after mapping) so a byte region
// obtained from session.FileMap can be reinterpreted as *Control via
// unsafe.Pointer the way gdbx's lockFile reinterprets its mmap'd bytes as
// *lockHeader. The ringbuffer's slot array is placed immediately after
// Control in the same mapped region (spec.md §4.3: "the ringbuffer is
// placed last so its storage can grow by remapping the file").
package shared

import "go.realmcore.dev/core/server/storage/ringbuf"

// Control is the fixed-size control block. Field order matches the
// "Wire-level layout" in spec.md §6 as closely as Go struct layout allows;
// see header.go for the fixed-offset prefix every attacher may rely on.
type Control struct {
	Header

	DurabilityMode      Durability
	_                   [3]byte // pad
	NumParticipants     uint32
	SessionInitiatorPID uint32
	FreeWriteSlots      int32
	DaemonStarted       uint32
	DaemonReady         uint32
	WaitForChangeEnabled uint32 // 1 unless a wait_for_change_release has fired

	PutPos uint32 // ring.putPos storage: acquire/release-guarded
	OldPos uint32 // ring.oldPos storage: writer-owned
	RingCapacity uint32

	WriteMutexState   mutexState
	BalanceMutexState mutexState
	ControlMutexState mutexState

	RoomToWriteState       condVarState
	WorkToDoState          condVarState
	DaemonBecomesReadyState condVarState
	NewCommitAvailableState condVarState
}

// ControlSize is the byte size of the fixed-size Control prefix; the slot
// array for RingCapacity slots follows immediately after it in the mapped
// region (session.RequiredSize computes the total).
const ControlSize = 128

// Bound is the live, in-process view of a mapped Control region: typed
// handles over the raw mutex/condvar/ringbuffer state plus the metadata
// fields grouped for convenient access. It does not own the memory backing
// *Control — that is session.FileMap's responsibility.
type Bound struct {
	*Control

	WriteMutex   *RobustMutex
	BalanceMutex *RobustMutex
	ControlMutex *RobustMutex

	RoomToWrite       *CondVar
	WorkToDo          *CondVar
	DaemonBecomesReady *CondVar
	NewCommitAvailable *CondVar

	Ring *ringbuf.Ring
}

// Bind constructs a Bound view over ctrl and the slot slice that follows it
// in the mapped region (slots must already have len(slots) == int(ctrl.RingCapacity)
// for a returning attacher, or be sized to the caller's desired capacity
// for the session initiator, who then calls Ring.Initialize).
func Bind(ctrl *Control, slots []ringbuf.Slot) *Bound {
	return &Bound{
		Control:      ctrl,
		WriteMutex:   NewRobustMutex(&ctrl.WriteMutexState),
		BalanceMutex: NewRobustMutex(&ctrl.BalanceMutexState),
		ControlMutex: NewRobustMutex(&ctrl.ControlMutexState),

		RoomToWrite:        NewCondVar(&ctrl.RoomToWriteState),
		WorkToDo:           NewCondVar(&ctrl.WorkToDoState),
		DaemonBecomesReady: NewCondVar(&ctrl.DaemonBecomesReadyState),
		NewCommitAvailable: NewCondVar(&ctrl.NewCommitAvailableState),

		Ring: ringbuf.Bind(nil, slots, &ctrl.PutPos, &ctrl.OldPos),
	}
}
