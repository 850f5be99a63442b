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

package lockutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// SharedLock is a shared (read) advisory file lock, the counterpart to
// OpenExclusive/TryExclusive that etcd's fileutil package does not itself
// provide (fileutil.LockFile always takes LOCK_EX). A session attachment
// holds one of these for its entire lifetime once it has passed the
// exclusive-lock initialization race (spec.md §4.4, Open protocol step 2).
type SharedLock struct {
	f *os.File
}

// OpenShared opens path, creating it if necessary, and takes a blocking
// shared advisory lock on it.
func OpenShared(path string) (*SharedLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		f.Close()
		return nil, err
	}
	return &SharedLock{f: f}, nil
}

// File returns the underlying handle, for mmap'ing.
func (s *SharedLock) File() *os.File { return s.f }

// Close releases the shared lock and closes the handle.
func (s *SharedLock) Close() error {
	_ = unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
	return s.f.Close()
}
