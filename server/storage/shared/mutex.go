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

package shared

import (
	"sync"
	"sync/atomic"

	"go.realmcore.dev/core/pkg/lockutil"
)

// mutexState is the process-shared portion of a RobustMutex: the PID of
// whichever attachment currently holds it, and a generation counter bumped
// on every successful acquire (including recovery) so waiters can detect progress
// without a native futex. Plain-old-data only, so it is safe to place
// directly inside the mmap'd control region (gdbx's readerSlot plays the
// same role for reader tracking).
type mutexState struct {
	holderPID uint32
	held      uint32 // 0 = unlocked, 1 = locked
	gen       uint32
}

const mutexStateSize = 12

// RobustMutex is a process-shared mutex whose next acquirer can recover
// after the prior holder's death (spec.md §4.3, "Robust mutexes").
// Recovery is PID-liveness based rather than relying on a platform robust
// pthread mutex, per the gdbx-style reader-slot liveness check this core
// grounds its shared-memory story on: a holder PID that no longer exists
// is proof the lock is abandoned, and the standing invariant (spec.md
// §4.3: commits publish via a single release-store, so a mid-commit death
// never leaves partial state visible) makes blind recovery safe.
type RobustMutex struct {
	state *mutexState
	local sync.Mutex // serializes goroutines of this process sharing the handle
	// Recover is invoked once, after this acquirer detects and takes over
	// an abandoned lock. The write_mutex's recovery callback is a no-op,
	// per spec.md §4.3; other mutexes may install one to repair state.
	Recover func()
}

// NewRobustMutex binds a RobustMutex to state living inside the mapped
// control region. state must already be zeroed (unlocked) or inherited
// from a previous session.
func NewRobustMutex(state *mutexState) *RobustMutex {
	return &RobustMutex{state: state}
}

// Lock blocks until the mutex is acquired, recovering it first if its
// recorded holder process has died.
func (m *RobustMutex) Lock() {
	m.local.Lock()
	for {
		if atomic.CompareAndSwapUint32(&m.state.held, 0, 1) {
			atomic.StoreUint32(&m.state.holderPID, lockutil.PID)
			atomic.AddUint32(&m.state.gen, 1)
			return
		}
		holder := atomic.LoadUint32(&m.state.holderPID)
		if holder != 0 && holder != lockutil.PID && !lockutil.IsAlive(holder) {
			// The recorded holder is gone; recover the mutex in its
			// place rather than spin forever.
			if atomic.CompareAndSwapUint32(&m.state.held, 1, 1) {
				atomic.StoreUint32(&m.state.holderPID, lockutil.PID)
				atomic.AddUint32(&m.state.gen, 1)
				if m.Recover != nil {
					m.Recover()
				}
				return
			}
		}
		spinWait()
	}
}

// TryLock attempts a non-blocking acquire.
func (m *RobustMutex) TryLock() bool {
	if !m.local.TryLock() {
		return false
	}
	if atomic.CompareAndSwapUint32(&m.state.held, 0, 1) {
		atomic.StoreUint32(&m.state.holderPID, lockutil.PID)
		atomic.AddUint32(&m.state.gen, 1)
		return true
	}
	m.local.Unlock()
	return false
}

// Unlock releases the mutex.
func (m *RobustMutex) Unlock() {
	atomic.StoreUint32(&m.state.holderPID, 0)
	atomic.StoreUint32(&m.state.held, 0)
	m.local.Unlock()
}

// generation returns the current acquire counter. Nothing in this package
// calls it; CondVar keeps its own counter.
func (m *RobustMutex) generation() uint32 {
	return atomic.LoadUint32(&m.state.gen)
}
