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

// Package lockutil provides the small, platform-facing helpers the shared
// control region needs on top of an ordinary advisory file lock: detecting
// that the process which last held a robust mutex has died, and opening the
// `.lock` file the way a session attachment expects.
package lockutil

import (
	"os"

	"go.etcd.io/etcd/client/pkg/v3/fileutil"
)

// OpenExclusive takes an exclusive, blocking advisory lock on path,
// creating it if necessary. The caller keeps the returned handle open for
// as long as the lock must be held.
func OpenExclusive(path string) (*fileutil.LockedFile, error) {
	return fileutil.LockFile(path, os.O_RDWR|os.O_CREATE, fileutil.PrivateFileMode)
}

// TryExclusive is the non-blocking counterpart of OpenExclusive; it returns
// fileutil.ErrLocked if another attachment already holds the lock.
func TryExclusive(path string) (*fileutil.LockedFile, error) {
	return fileutil.TryLockFile(path, os.O_RDWR|os.O_CREATE, fileutil.PrivateFileMode)
}

// PID identifies the calling process, cached once like gdbx's cachedPID to
// avoid a syscall on every liveness check.
var PID = uint32(os.Getpid())
