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

// Package compact implements spec.md §4.8: rewriting a session's live
// snapshot into a fresh file and atomically replacing the original,
// reclaiming whatever space accumulated versions and free-list
// fragmentation left behind.
//
// Grounded on etcd backend.defrag(): lock out concurrent activity, copy
// live data into a temp file in the same directory, close both files,
// rename the temp file over the original, then reopen.
package compact

import (
	"fmt"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/metrics"
	"go.realmcore.dev/core/server/storage/shared"
)

// TmpSuffix matches spec.md §6's on-disk artifact
// "<db>.tmp_compaction_space".
const TmpSuffix = ".tmp_compaction_space"

// Config wires one Compact call to a session and its allocator.
type Config struct {
	Bound     *shared.Bound
	Compactor collab.Compactor
	// Path is the live database file; the temp file is Path+TmpSuffix.
	Path   string
	Logger *zap.Logger
}

// Compact implements spec.md §4.8. It returns false, nil without effect
// if more than one attachment shares the session; num_participants is
// checked under control_mutex, matching every other check of that field.
func Compact(cfg Config) (bool, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	bound := cfg.Bound

	bound.ControlMutex.Lock()
	solo := bound.NumParticipants == 1
	bound.ControlMutex.Unlock()
	if !solo {
		return false, nil
	}

	bound.WriteMutex.Lock()
	defer bound.WriteMutex.Unlock()

	metrics.CompactionActive.Set(1)
	defer metrics.CompactionActive.Set(0)
	start := time.Now()

	last := bound.Ring.Slot(bound.Ring.Last())
	beforeSize := last.FileSize

	tmpPath := cfg.Path + TmpSuffix
	topRef, fileSize, err := cfg.Compactor.CompactTo(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("compact: rewrite: %w", err)
	}

	if err := os.Rename(tmpPath, cfg.Path); err != nil {
		return false, fmt.Errorf("compact: rename over original: %w", err)
	}

	if err := cfg.Compactor.ReattachAfterRename(cfg.Path); err != nil {
		return false, fmt.Errorf("compact: reattach allocator: %w", err)
	}

	last.TopRef = topRef
	last.FileSize = fileSize

	took := time.Since(start)
	metrics.CompactionDuration.Observe(took.Seconds())
	lg.Info("compact: rewrote data file",
		zap.String("path", cfg.Path),
		zap.String("before", humanize.Bytes(beforeSize)),
		zap.String("after", humanize.Bytes(fileSize)),
		zap.Duration("took", took))
	return true, nil
}
