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

// Package collab declares the narrow contracts this core consumes from its
// external collaborators (spec.md §1, §6): the slab allocator, the
// GroupWriter that serializes the object graph, and the optional
// replication log. None of these are implemented here — the column/B-tree
// engine, the on-disk object graph codec, and replication transport are
// explicitly out of scope (spec.md §1, Non-goals).
//
// The split mirrors etcd's server/mvcc package, which only ever calls
// through backend.Backend's narrow interface and never touches a BoltDB
// page directly.
package collab

// AttachResult is what attaching the data file through the slab allocator
// yields (spec.md §4.4, Open protocol step 6): the root of the object
// graph, if any, plus the free-space summary SPEC_FULL.md §12 folds in
// from SlabAlloc::rebuild_freelist so Session.Open can seed a
// FreeSpaceTracker.
type AttachResult struct {
	// TopRef is the file offset of the existing root, or 0 if the file is
	// newly created and has none yet.
	TopRef uint64
	// FileSize is the logical extent of the database file as attached.
	FileSize uint64
	// Version is the version recorded in the existing root, or 0 if none
	// (the caller must then default to version 1; version 0 is
	// forbidden, per spec.md §4.4 step 6).
	Version uint64
	// FreeBytes summarizes the rebuilt free list.
	FreeBytes int64
	// FileFormatVersion is the on-disk object-graph format version found
	// in an existing file, or 0 for a newly created one. This is distinct
	// from shared.ControlVersion (the SharedControl layout tag): it is
	// the allocator's own file-format stamp, gated by realmdb.Open's
	// allowUpgrade parameter (SPEC_FULL.md §12).
	FileFormatVersion uint32
}

// SlabAllocator is the external collaborator that owns the data file's
// byte-level layout (spec.md §6): "attach_file(config) → top_ref",
// "get_baseline() → file_size", "prealloc(offset, size)",
// "reserve_disk_space(size)", and "detach()".
type SlabAllocator interface {
	// Attach opens path (creating it if necessary, unless noCreate is
	// set) and returns the existing root, if any. sessionInitiator
	// distinguishes the first attacher (spec.md §4.4 step 6) from a
	// later one (step 7).
	Attach(path string, noCreate, sessionInitiator bool) (AttachResult, error)
	// Detach releases the allocator's hold on the data file.
	Detach() error
	// GetBaseline returns the file's logical size as last observed.
	GetBaseline() (int64, error)
	// Prealloc extends the file to at least offset+size without making
	// the new region logically part of any object yet.
	Prealloc(offset, size int64) error
	// ReserveDiskSpace asks the allocator to guarantee size more bytes
	// are available before a caller proceeds with work that assumes it
	// (spec.md §6 "reserve(size)" on the public API surface).
	ReserveDiskSpace(size int64) error
}

// GroupWriter serializes the mutated in-memory object graph to the data
// file (spec.md §1, "external collaborators"; §4.6 step 3). This core
// never interprets the bytes it writes.
type GroupWriter interface {
	// Commit writes out everything reachable from the in-memory graph
	// since the last commit and returns the new root and the file's new
	// logical size. readlockVersion is the version of the oldest live
	// snapshot, below which storage may be reused (spec.md §4.6 step 3).
	Commit(readlockVersion uint64) (newTopRef uint64, newFileSize uint64, err error)
}

// ReplicationLog is the optional replication collaborator of spec.md §4.4
// step 6/10 and §4.6 steps 2/7. A nil ReplicationLog means replication is
// not in use; CommitPipeline must treat that as a no-op, not an error.
type ReplicationLog interface {
	// PrepareCommit is called with the current version before
	// serialization begins; it may return a larger version to reserve
	// (spec.md §4.6 step 2). An error aborts the commit before any file
	// mutation is visible.
	PrepareCommit(version uint64) (reservedVersion uint64, err error)
	// FinalizeCommit is called after the new snapshot has been published
	// to the ringbuffer; spec.md §4.6 step 7 requires it must not throw,
	// since the commit is already durable-in-ring at that point.
	FinalizeCommit(version uint64)
	// AbortCommit unwinds PrepareCommit's reservation after a failure
	// between steps 2 and 7, before the ringbuffer has been advanced.
	AbortCommit(version uint64)
	// InformLatestVersion tells replication about the version the
	// session initiator found on attach (spec.md §4.4 step 6).
	InformLatestVersion(version uint64)
	// StopManaging is called once, when num_participants reaches 0
	// (spec.md §4.4, Close protocol step 2).
	StopManaging()
}

// Compactor is the allocator-level collaborator spec.md §4.8 drives:
// rewrite everything reachable from the currently-bound snapshot into a
// fresh file at tmpPath, then (after Compact's caller atomically renames
// tmpPath over the original) reopen against the replaced file. This
// mirrors defragdb copying BoltDB's live pages into a temporary database
// ahead of the same rename-over-original step.
type Compactor interface {
	// CompactTo writes the live snapshot to tmpPath and reports its root
	// and logical size in the new file.
	CompactTo(tmpPath string) (topRef uint64, fileSize uint64, err error)
	// ReattachAfterRename re-opens the allocator against path once
	// Compact's rename has replaced the original file with the
	// compacted one.
	ReattachAfterRename(path string) error
}

// Syncer is the durability collaborator of spec.md §4.6 step 4: flushing
// the data file to stable storage before a Full-durability commit publishes
// its new snapshot. MemOnly and Async commits never call it; the real
// implementation is an *os.File, whose Sync method already satisfies this.
type Syncer interface {
	Sync() error
}

// FreeSpaceTracker is the supplemented collaborator of SPEC_FULL.md §12:
// free-space bookkeeping that respects the oldest live reader's version,
// so CommitPipeline never lets the GroupWriter reuse storage a concurrent
// reader might still dereference (spec.md §4.6 step 3).
type FreeSpaceTracker interface {
	// SetReadlockVersion records the version below which free space may
	// be reused. It must be called before every commit's serialization
	// step.
	SetReadlockVersion(version uint64)
	// Seed initializes the tracker from a freshly-attached allocator's
	// rebuilt free list (spec.md §4.4 step 6, SPEC_FULL.md §12).
	Seed(freeBytes int64)
}
