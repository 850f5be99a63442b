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

import "fmt"

// ErrIncompatibleLockFile is spec.md §6/§7's IncompatibleLockFile: the
// control region's structural layout does not match what this build
// expects, either because it predates a layout change or because it was
// written by a build with differently-sized mutex/condvar state.
type ErrIncompatibleLockFile struct {
	Reason string
}

func (e *ErrIncompatibleLockFile) Error() string {
	return fmt.Sprintf("shared: incompatible lock file: %s", e.Reason)
}

// Stamp initializes the fixed ABI prefix of a freshly zeroed Control,
// setting InitComplete last so concurrent prospective attachers never
// observe a half-initialized header (spec.md §4.4, Open protocol step 1).
func Stamp(c *Control) {
	c.SizeOfMutex = sizeOfMutex
	c.SizeOfCondvar = sizeOfCondvar
	c.Version = ControlVersion
	c.WaitForChangeEnabled = 1
	c.InitComplete = 1
}

// ValidateABI performs the self-check spec.md §4.3 requires on attach:
// once InitComplete is observed, SizeOfMutex/SizeOfCondvar must match this
// build's own RobustMutex/CondVar layout, and the structural Version must
// equal ControlVersion.
func ValidateABI(c *Control) error {
	if c.Version != ControlVersion {
		return &ErrIncompatibleLockFile{Reason: fmt.Sprintf("structural version %d, want %d", c.Version, ControlVersion)}
	}
	if c.SizeOfMutex != sizeOfMutex {
		return &ErrIncompatibleLockFile{Reason: fmt.Sprintf("mutex state size %d, want %d", c.SizeOfMutex, sizeOfMutex)}
	}
	if c.SizeOfCondvar != sizeOfCondvar {
		return &ErrIncompatibleLockFile{Reason: fmt.Sprintf("condvar state size %d, want %d", c.SizeOfCondvar, sizeOfCondvar)}
	}
	return nil
}
