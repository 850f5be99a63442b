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

package realmdb

// Group is the handle spec.md §6's `begin_read`/`begin_write` return
// ("Group&"): enough of the acquired snapshot for a caller's own
// allocator/B-tree layer to interpret the object graph. This core never
// reads or writes the bytes at TopRef itself — that is the GroupWriter's
// and SlabAllocator's job (spec.md §1, "external collaborators").
type Group struct {
	// Version is the snapshot version this Group was acquired at.
	Version uint64
	// TopRef is the file offset of the object graph's root for this
	// snapshot, or 0 if the database has no committed data yet.
	TopRef uint64
	// FileSize is the database file's logical extent as of this snapshot.
	FileSize uint64
	// Writable is true for the Group returned by BeginWrite.
	Writable bool
}
