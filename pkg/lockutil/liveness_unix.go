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

import "golang.org/x/sys/unix"

// IsAlive reports whether pid refers to a live process, by sending it the
// null signal. This is how gdbx's lockFile.cleanupStaleReaders recognizes a
// reader slot abandoned by a process that died without releasing it, and is
// the same technique this package's callers use to recover a robust mutex
// whose prior holder is gone.
func IsAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}
