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

//go:build !unix

package lockutil

// IsAlive always reports true on platforms where this core does not
// implement process-shared attachment (the Non-goal is Windows parity, not
// correctness on it); robust mutex recovery there is left to a future
// platform-specific implementation.
func IsAlive(pid uint32) bool {
	return true
}
