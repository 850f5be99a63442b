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

// Package commit implements CommitPipeline, spec.md §4.6: the sequence a
// write transaction drives at commit time to serialize its changes, publish
// a new snapshot, and reclaim whatever the new readlock version frees up.
//
// Pipeline never imports server/storage/txn; it only has to satisfy
// txn.Committer's narrow interface, the same one-directional split
// server/mvcc draws against backend.Backend in the teacher repo.
package commit

import "errors"

// ErrRingFull is returned when the ringbuffer has no free slot to publish
// into and no growth hook was configured to make room.
var ErrRingFull = errors.New("commit: ring is full and no growth hook is configured")
