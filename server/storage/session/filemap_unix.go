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

//go:build unix

// Package session implements the Open/Close attachment protocol of
// spec.md §4.4 and the growable shared-memory mapping it runs on.
package session

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"go.realmcore.dev/core/server/storage/ringbuf"
	"go.realmcore.dev/core/server/storage/shared"
)

// slotSize is the byte size of one ringbuf.Slot as laid out by this build,
// used to compute how many bytes of the control file the ring occupies.
var slotSize = int(unsafe.Sizeof(ringbuf.Slot{}))

// RequiredSize returns the number of bytes a control file must hold to back
// a SharedControl with a ring of the given slot capacity (spec.md §4.5,
// "the remap is sized to sizeof(SharedControl) + ring.required_space(...)").
func RequiredSize(capacity int) int64 {
	return int64(shared.ControlSize) + int64(capacity)*int64(slotSize)
}

// FileMap is a growable mmap of the control file, the Go-native analogue of
// gdbx's lockFile.mmap: a single region reinterpreted in place as typed Go
// values via unsafe.Pointer, remapped (never relocated in the file, only
// extended) as the ringbuffer's capacity grows.
type FileMap struct {
	f    *os.File
	data []byte
}

// mapFile truncates f up to size (never shrinking it) and maps the whole
// region MAP_SHARED, so every attachment observes the same bytes.
func mapFile(f *os.File, size int64) (*FileMap, error) {
	if err := growFile(f, size); err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("session: mmap: %w", err)
	}
	return &FileMap{f: f, data: data}, nil
}

func growFile(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("session: stat control file: %w", err)
	}
	if info.Size() >= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("session: grow control file to %d bytes: %w", size, err)
	}
	return nil
}

// Remap grows the backing file to newSize if necessary and replaces the
// current mapping with one covering the larger region. Writer-side growth
// (Session.GrowRing, spec.md §4.6 step 5) calls it with write_mutex held;
// reader-side remapping (Session.RemapIfGrown) calls it without write_mutex.
func (m *FileMap) Remap(newSize int64) error {
	if err := growFile(m.f, newSize); err != nil {
		return err
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("session: munmap before remap: %w", err)
	}
	data, err := unix.Mmap(int(m.f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("session: remap: %w", err)
	}
	m.data = data
	return nil
}

// Control reinterprets the mapping's first shared.ControlSize bytes as a
// *shared.Control. The mapping must already cover at least that many bytes.
func (m *FileMap) Control() *shared.Control {
	return (*shared.Control)(unsafe.Pointer(&m.data[0]))
}

// Slots reinterprets the bytes following the Control prefix as a slice of
// capacity ringbuf.Slot values. The mapping must already cover
// RequiredSize(capacity) bytes.
func (m *FileMap) Slots(capacity int) []ringbuf.Slot {
	base := unsafe.Pointer(&m.data[shared.ControlSize])
	return unsafe.Slice((*ringbuf.Slot)(base), capacity)
}

// Len reports the current mapped length in bytes.
func (m *FileMap) Len() int { return len(m.data) }

// Close unmaps the region. It does not close the underlying file handle,
// which the caller (the session's shared lock) owns.
func (m *FileMap) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
