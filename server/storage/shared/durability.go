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

// Durability is the commit-to-disk policy fixed at session creation
// (spec.md §6, "Durability modes").
type Durability uint8

const (
	// Full fsyncs the file on every commit; nothing is deleted on close.
	Full Durability = iota
	// MemOnly never syncs; the data file is deleted by the last attachment
	// to detach.
	MemOnly
	// Async skips fsync on the writer's commit path; an AsyncDaemon
	// batches writes to disk instead.
	Async
)

func (d Durability) String() string {
	switch d {
	case Full:
		return "Full"
	case MemOnly:
		return "MemOnly"
	case Async:
		return "Async"
	default:
		return "Unknown"
	}
}
