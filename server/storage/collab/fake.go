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

package collab

import (
	"os"
	"sync"
)

// FakeSlabAllocator is an in-memory stand-in for the real slab allocator,
// used by this core's own tests the way etcd's mvcc package tests lean on
// a throwaway in-memory backend rather than a real BoltDB file.
type FakeSlabAllocator struct {
	mu                sync.Mutex
	TopRef            uint64
	FileSize          uint64
	Version           uint64
	FileFormatVersion uint32
}

func (f *FakeSlabAllocator) Attach(path string, noCreate, sessionInitiator bool) (AttachResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return AttachResult{
		TopRef:            f.TopRef,
		FileSize:          f.FileSize,
		Version:           f.Version,
		FileFormatVersion: f.FileFormatVersion,
	}, nil
}

func (f *FakeSlabAllocator) Detach() error { return nil }

func (f *FakeSlabAllocator) GetBaseline() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.FileSize), nil
}

func (f *FakeSlabAllocator) Prealloc(offset, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset+size > int64(f.FileSize) {
		f.FileSize = uint64(offset + size)
	}
	return nil
}

func (f *FakeSlabAllocator) ReserveDiskSpace(size int64) error { return nil }

// FakeGroupWriter hands out monotonically increasing top-refs, simulating
// a real GroupWriter's append-only serialization without touching a file.
type FakeGroupWriter struct {
	mu       sync.Mutex
	nextRef  uint64
	FileSize uint64
}

func NewFakeGroupWriter(startRef uint64) *FakeGroupWriter {
	return &FakeGroupWriter{nextRef: startRef}
}

func (g *FakeGroupWriter) Commit(readlockVersion uint64) (uint64, uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextRef += 64
	g.FileSize += 64
	return g.nextRef, g.FileSize, nil
}

// FakeFreeSpaceTracker records the last readlock version and seed value it
// was given and does no free-space bookkeeping of its own.
type FakeFreeSpaceTracker struct {
	mu              sync.Mutex
	ReadlockVersion uint64
	Seeded          int64
}

func (t *FakeFreeSpaceTracker) SetReadlockVersion(version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadlockVersion = version
}

func (t *FakeFreeSpaceTracker) Seed(freeBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Seeded = freeBytes
}

// FakeSyncer counts Sync calls instead of touching a real file.
type FakeSyncer struct {
	mu     sync.Mutex
	Synced int
	Fail   error
}

func (s *FakeSyncer) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.Synced++
	return nil
}

// FakeCompactor stands in for a real allocator's rewrite-to-temp-file
// step: it creates an empty file at tmpPath, so the caller's rename has
// something to move, and records what it was asked to do.
type FakeCompactor struct {
	mu             sync.Mutex
	NewTopRef      uint64
	NewFileSize    uint64
	Fail           error
	ReattachFail   error
	CompactedTo    string
	ReattachedPath string
}

func (c *FakeCompactor) CompactTo(tmpPath string) (uint64, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return 0, 0, c.Fail
	}
	if err := os.WriteFile(tmpPath, nil, 0o600); err != nil {
		return 0, 0, err
	}
	c.CompactedTo = tmpPath
	return c.NewTopRef, c.NewFileSize, nil
}

func (c *FakeCompactor) ReattachAfterRename(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReattachFail != nil {
		return c.ReattachFail
	}
	c.ReattachedPath = path
	return nil
}

// FakeReplicationLog is a scriptable ReplicationLog for pipeline tests.
type FakeReplicationLog struct {
	mu               sync.Mutex
	PrepareFail      error
	Prepared         []uint64
	Finalized        []uint64
	Aborted          []uint64
	InformedVersions []uint64
	Stopped          bool
}

func (f *FakeReplicationLog) PrepareCommit(version uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PrepareFail != nil {
		return 0, f.PrepareFail
	}
	f.Prepared = append(f.Prepared, version)
	return version + 1, nil
}

func (f *FakeReplicationLog) FinalizeCommit(version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Finalized = append(f.Finalized, version)
}

func (f *FakeReplicationLog) AbortCommit(version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aborted = append(f.Aborted, version)
}

func (f *FakeReplicationLog) InformLatestVersion(version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InformedVersions = append(f.InformedVersions, version)
}

func (f *FakeReplicationLog) StopManaging() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = true
}
