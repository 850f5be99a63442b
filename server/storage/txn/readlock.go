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

// ReadLock is spec.md §3's attachment-local `read_lock`: the snapshot an
// attachment currently holds. ReaderIdx is the ringbuffer slot index it
// was acquired from, kept so release_snapshot and a later
// grab_specific_snapshot know exactly which slot's count to touch.
type ReadLock struct {
	Version  uint64
	ReaderIdx uint32
	TopRef   uint64
	FileSize uint64
}
