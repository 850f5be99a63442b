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

// Command realmctl opens a realmcore database's control/lock file and
// reports its session metadata, or compacts it.
//
// The real slab allocator and GroupWriter that serialize the object graph
// are external collaborators this core never implements (spec.md §1, §6);
// realmctl stands in the in-memory fakes from server/storage/collab so the
// tool is runnable against a bare control file without a full
// implementation of those collaborators, the same role contrib/raftexample
// plays for the teacher's raft package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/realmdb"
	"go.realmcore.dev/core/server/storage/shared"
)

func main() {
	var (
		path       = pflag.String("path", "", "path to the realmcore database file")
		durability = pflag.String("durability", "full", "durability mode the session was created with: full, memonly, async")
		doCompact  = pflag.Bool("compact", false, "compact the file instead of just reporting on it")
		ringCap    = pflag.IntP("ring-capacity", "c", 0, "initial ring capacity for a freshly created control region")
		verbose    = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "realmctl: --path is required")
		os.Exit(2)
	}

	lg, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "realmctl:", err)
		os.Exit(1)
	}
	defer lg.Sync()

	dur, err := parseDurability(*durability)
	if err != nil {
		fmt.Fprintln(os.Stderr, "realmctl:", err)
		os.Exit(2)
	}

	db, err := realmdb.Open(realmdb.Config{
		Path:                *path,
		Durability:          dur,
		Allocator:           &collab.FakeSlabAllocator{},
		GroupWriter:         collab.NewFakeGroupWriter(0),
		Compactor:           &collab.FakeCompactor{},
		InitialRingCapacity: *ringCap,
		Logger:              lg,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "realmctl: open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *doCompact {
		runCompact(db)
		return
	}

	report(*path, db)
}

func runCompact(db *realmdb.DB) {
	ok, err := db.Compact()
	if err != nil {
		fmt.Fprintln(os.Stderr, "realmctl: compact:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("realmctl: compact skipped: more than one attachment is open")
		return
	}
	fmt.Println("realmctl: compact complete")
}

func report(path string, db *realmdb.DB) {
	fmt.Printf("path:            %s\n", path)
	fmt.Printf("current version: %d\n", db.GetCurrentVersion())
	fmt.Printf("live versions:   %d\n", db.GetNumberOfVersions())
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func parseDurability(s string) (shared.Durability, error) {
	switch s {
	case "full", "":
		return shared.Full, nil
	case "memonly":
		return shared.MemOnly, nil
	case "async":
		return shared.Async, nil
	default:
		return 0, fmt.Errorf("unknown durability %q", s)
	}
}
