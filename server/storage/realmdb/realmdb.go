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

// Package realmdb wires ringbuf, shared, session, txn, commit, daemon, and
// compact together into the public API surface of spec.md §6: Open, Close,
// BeginRead/EndRead, BeginWrite/Commit/Rollback, HasChanged,
// WaitForChange/WaitForChangeRelease/EnableWaitForChange,
// GetCurrentVersion, GetNumberOfVersions, Compact, Reserve.
//
// This mirrors etcd mvcc/kv.go's KV interface as the top-level facade a
// caller actually imports, leaving every collaboration below it (the
// ringbuffer, the shared control region, the transaction state machine)
// as internal plumbing.
package realmdb

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/commit"
	"go.realmcore.dev/core/server/storage/compact"
	"go.realmcore.dev/core/server/storage/daemon"
	"go.realmcore.dev/core/server/storage/session"
	"go.realmcore.dev/core/server/storage/shared"
	"go.realmcore.dev/core/server/storage/txn"
)

// CurrentFileFormatVersion is the newest on-disk object-graph format this
// build understands. Opening a file whose collab.AttachResult reports a
// newer FileFormatVersion fails with ErrFileFormatTooNew unless
// Config.AllowUpgrade is set (SPEC_FULL.md §12, ground-truthed on
// original_source's file_format_version upgrade gate).
const CurrentFileFormatVersion = 1

// ErrFileFormatTooNew is SPEC_FULL.md §12's upgrade gate failure.
var ErrFileFormatTooNew = errors.New("realmdb: file format version is newer than this build supports; pass AllowUpgrade to open it anyway")

// waitForChangePoll bounds how long WaitForChange blocks between
// rechecking WaitForChangeEnabled, so WaitForChangeRelease's broadcast is
// never the only way out of the loop (spec.md §5, "Cancellation and
// timeouts").
const waitForChangePoll = 50 * time.Millisecond

// VersionID is the caller-facing handle spec.md §6 calls `version_id`: the
// {version, reader_idx} pair a caller can stash from a Group and later hand
// back to BeginReadAt to reacquire the exact same snapshot, or learn that
// it is gone (ErrBadVersion).
type VersionID struct {
	Version   uint64
	ReaderIdx uint32
}

// Config is the caller-facing configuration for Open (spec.md §6:
// "open(path, no_create, durability, is_backend, encryption_key?,
// allow_upgrade)").
type Config struct {
	// Path is the database file; its control region lives at Path+".lock".
	Path string
	// NoCreate forbids creating a new data file.
	NoCreate bool
	// Durability is the commit-to-disk policy, fixed for the session by
	// whichever attachment creates it first.
	Durability shared.Durability
	// IsBackend marks this attachment as the async daemon itself
	// (spec.md §6's `is_backend`): Open starts Daemon.Run on its own
	// goroutine instead of waiting on daemon_becomes_ready.
	IsBackend bool
	// EncryptionKey gates cross-process sharing to the session
	// initiator's pid when non-empty (spec.md §3, §4.4 step 7). The
	// bytes themselves are opaque to this core; encryption is provided
	// by the underlying file abstraction (spec.md §1, Non-goals).
	EncryptionKey []byte
	// AllowUpgrade permits opening a file whose FileFormatVersion is
	// newer than CurrentFileFormatVersion.
	AllowUpgrade bool

	// Allocator, GroupWriter are required external collaborators
	// (spec.md §1, §6). Replication, FreeSpace, Syncer, Compactor are
	// optional; a nil value disables the feature it backs.
	Allocator   collab.SlabAllocator
	GroupWriter collab.GroupWriter
	Replication collab.ReplicationLog
	FreeSpace   collab.FreeSpaceTracker
	Syncer      collab.Syncer
	Compactor   collab.Compactor

	// InitialRingCapacity sizes a freshly created control region's
	// ringbuffer (ignored by an attachment that finds one already
	// initialized). Defaults to ringbuf.MinCapacity.
	InitialRingCapacity int
	// MaxWriteSlots, RelaxedSyncThreshold parameterize Async durability's
	// writer/daemon backpressure protocol (spec.md §4.7); ignored
	// outside Durability == shared.Async.
	MaxWriteSlots        int32
	RelaxedSyncThreshold int32
	// StartDaemon spawns the async daemon process/goroutine the first
	// time a non-backend attachment observes daemon_started == 0
	// (spec.md §4.4 step 10). Ignored outside Durability == shared.Async.
	StartDaemon func(path string) error
	// DaemonReadyTimeout overrides how long a non-backend attachment
	// waits for daemon_becomes_ready before failing Open.
	DaemonReadyTimeout time.Duration

	Logger *zap.Logger
}

// DB is one attachment's handle onto a session, implementing spec.md §6's
// public API surface.
type DB struct {
	lg  *zap.Logger
	cfg Config

	sess       *session.Session
	attachment *txn.Attachment
	pipeline   *commit.Pipeline
	daemon     *daemon.Daemon // non-nil only when Config.IsBackend

	closed uint32 // atomic
}

// Open implements spec.md §4.4's Open protocol end to end: session
// establishment/join, commit-pipeline wiring, and (if Durability is Async
// and this is not the backend itself) waiting for the async daemon to
// become ready.
func Open(cfg Config) (*DB, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	if cfg.Allocator == nil {
		return nil, errors.New("realmdb: Config.Allocator is required")
	}
	if cfg.GroupWriter == nil {
		return nil, errors.New("realmdb: Config.GroupWriter is required")
	}

	sess, err := session.Open(session.Config{
		Path:                cfg.Path,
		Durability:          cfg.Durability,
		NoCreate:            cfg.NoCreate,
		Encrypted:           len(cfg.EncryptionKey) > 0,
		InitialRingCapacity: cfg.InitialRingCapacity,
		Allocator:           cfg.Allocator,
		Replication:         cfg.Replication,
		FreeSpace:           cfg.FreeSpace,
		IsDaemon:            cfg.IsBackend,
		StartDaemon:         cfg.StartDaemon,
		DaemonReadyTimeout:  cfg.DaemonReadyTimeout,
		Logger:              lg,
	})
	if err != nil {
		return nil, err
	}

	if initial := sess.InitialAttach(); initial.FileFormatVersion > CurrentFileFormatVersion && !cfg.AllowUpgrade {
		sess.Close()
		return nil, ErrFileFormatTooNew
	}

	pipeline := commit.NewPipeline(commit.Config{
		Bound:                sess.Bound,
		GroupWriter:          cfg.GroupWriter,
		Replication:          cfg.Replication,
		FreeSpace:            cfg.FreeSpace,
		Syncer:               cfg.Syncer,
		Durability:           cfg.Durability,
		GrowRing:             sess.GrowRing,
		MaxWriteSlots:        cfg.MaxWriteSlots,
		RelaxedSyncThreshold: cfg.RelaxedSyncThreshold,
		Logger:               lg,
	})
	attachment := txn.NewAttachment(sess.Bound, sess.RemapIfGrown, pipeline)

	db := &DB{lg: lg, cfg: cfg, sess: sess, attachment: attachment, pipeline: pipeline}

	if cfg.IsBackend {
		d := daemon.New(daemon.Config{
			Bound:                sess.Bound,
			GroupWriter:          cfg.GroupWriter,
			Path:                 cfg.Path,
			MaxWriteSlots:        cfg.MaxWriteSlots,
			RelaxedSyncThreshold: cfg.RelaxedSyncThreshold,
			Logger:               lg,
		})
		db.daemon = d
		go d.Run()
	}

	return db, nil
}

func (db *DB) checkOpen() error {
	if atomic.LoadUint32(&db.closed) != 0 {
		return ErrClosed
	}
	return nil
}

// Close implements spec.md §4.4's Close protocol: end/rollback any
// in-progress transaction, stop an in-process daemon this DB started, then
// tear down the session (decrement num_participants, and on session end,
// remove a MemOnly data file and stop replication).
func (db *DB) Close() error {
	if !atomic.CompareAndSwapUint32(&db.closed, 0, 1) {
		return ErrClosed
	}
	switch db.attachment.State() {
	case txn.Writing:
		if err := db.attachment.Rollback(); err != nil {
			db.lg.Warn("realmdb: rollback in-progress write on close", zap.Error(err))
		}
	case txn.Reading:
		if err := db.attachment.EndRead(); err != nil {
			db.lg.Warn("realmdb: end in-progress read on close", zap.Error(err))
		}
	}
	if db.daemon != nil {
		db.daemon.Stop()
	}
	return db.sess.Close()
}

func groupFromReadLock(rl txn.ReadLock, writable bool) Group {
	return Group{Version: rl.Version, TopRef: rl.TopRef, FileSize: rl.FileSize, Writable: writable}
}

// BeginRead acquires the latest snapshot (spec.md §6's
// `begin_read(version_id?)` with no version_id given).
func (db *DB) BeginRead() (Group, error) {
	if err := db.checkOpen(); err != nil {
		return Group{}, err
	}
	if err := db.attachment.BeginRead(nil); err != nil {
		return Group{}, fmt.Errorf("realmdb: begin_read: %w", err)
	}
	return groupFromReadLock(db.attachment.ReadLock(), false), nil
}

// BeginReadAt re-acquires a specific snapshot previously observed via
// CurrentVersionID (spec.md §6's `begin_read(version_id)`). It fails with
// ErrBadVersion if that snapshot is no longer live or would move the
// reader backwards in version.
func (db *DB) BeginReadAt(id VersionID) (Group, error) {
	if err := db.checkOpen(); err != nil {
		return Group{}, err
	}
	hint := txn.ReadLock{Version: id.Version, ReaderIdx: id.ReaderIdx}
	if err := db.attachment.BeginRead(&hint); err != nil {
		return Group{}, fmt.Errorf("realmdb: begin_read(version_id): %w", err)
	}
	return groupFromReadLock(db.attachment.ReadLock(), false), nil
}

// EndRead releases the held read snapshot (spec.md §6's `end_read`); a
// no-op if no read is in progress.
func (db *DB) EndRead() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.attachment.EndRead()
}

// BeginWrite acquires write_mutex and an implicit read on the latest
// snapshot (spec.md §6's `begin_write`).
func (db *DB) BeginWrite() (Group, error) {
	if err := db.checkOpen(); err != nil {
		return Group{}, err
	}
	if err := db.attachment.BeginWrite(); err != nil {
		return Group{}, fmt.Errorf("realmdb: begin_write: %w", err)
	}
	return groupFromReadLock(db.attachment.ReadLock(), true), nil
}

// Commit drives spec.md §4.6's CommitPipeline and returns the newly
// published version (spec.md §6's `commit() → version_type`).
func (db *DB) Commit() (uint64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	return db.attachment.Commit()
}

// Rollback discards the in-progress write without serializing anything
// (spec.md §6's `rollback`); a no-op if no write is in progress.
func (db *DB) Rollback() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.attachment.Rollback()
}

// HasChanged reports whether a version newer than the one currently held
// has been published, without acquiring it (spec.md §6's `has_changed`).
func (db *DB) HasChanged() bool {
	return db.attachment.HasChanged()
}

// CurrentVersionID returns the VersionID of the snapshot currently held by
// a read or write transaction, for a later BeginReadAt.
func (db *DB) CurrentVersionID() VersionID {
	rl := db.attachment.ReadLock()
	return VersionID{Version: rl.Version, ReaderIdx: rl.ReaderIdx}
}

// WaitForChange blocks until either a version newer than the one currently
// held has been published, or WaitForChangeRelease flips
// wait_for_change_enabled false, returning false in that case (spec.md §6's
// `wait_for_change`, §5's "Cancellation and timeouts"). The caller must
// already hold a read snapshot (have called BeginRead/BeginReadAt).
func (db *DB) WaitForChange() bool {
	rl := db.attachment.ReadLock()
	for {
		if atomic.LoadUint32(&db.sess.Control.WaitForChangeEnabled) == 0 {
			return false
		}
		if db.GetCurrentVersion() > rl.Version {
			return true
		}
		gen := db.sess.NewCommitAvailable.Generation()
		db.sess.NewCommitAvailable.Wait(gen, time.Now().Add(waitForChangePoll))
	}
}

// WaitForChangeRelease flips wait_for_change_enabled false and broadcasts
// new_commit_available, so every WaitForChange waiter observes a
// spurious-looking return (spec.md §6's `wait_for_change_release`).
func (db *DB) WaitForChangeRelease() {
	atomic.StoreUint32(&db.sess.Control.WaitForChangeEnabled, 0)
	db.sess.NewCommitAvailable.Broadcast()
}

// EnableWaitForChange flips wait_for_change_enabled back to true (spec.md
// §6's `enable_wait_for_change`).
func (db *DB) EnableWaitForChange() {
	atomic.StoreUint32(&db.sess.Control.WaitForChangeEnabled, 1)
}

// GetCurrentVersion returns the latest committed version (spec.md §6's
// `get_current_version`), guarded by control_mutex per spec.md §3.
func (db *DB) GetCurrentVersion() uint64 {
	db.sess.ControlMutex.Lock()
	defer db.sess.ControlMutex.Unlock()
	return db.sess.LatestVersionNumber
}

// GetNumberOfVersions reports the distance between the oldest live
// snapshot and the latest, inclusive (spec.md §6's
// `get_number_of_versions`). Unlike GetCurrentVersion this is not guarded
// by control_mutex: it walks the ring's writer-owned next-pointers, the
// same read server/storage/commit.Pipeline performs immediately after
// publish while already holding write_mutex. A concurrent grow or cleanup
// can make this a slightly stale snapshot rather than an exact one; that
// matches its role as a reporting/backpressure signal, not a correctness
// invariant.
func (db *DB) GetNumberOfVersions() uint64 {
	return db.sess.Ring.NumberOfVersions()
}

// Compact implements spec.md §4.8: rewrite the live snapshot into a fresh
// file and atomically replace the original, returning false without effect
// if more than one attachment shares the session.
func (db *DB) Compact() (bool, error) {
	if err := db.checkOpen(); err != nil {
		return false, err
	}
	if db.cfg.Compactor == nil {
		return false, errors.New("realmdb: Config.Compactor is required for Compact")
	}
	return compact.Compact(compact.Config{
		Bound:     db.sess.Bound,
		Compactor: db.cfg.Compactor,
		Path:      db.cfg.Path,
		Logger:    db.lg,
	})
}

// Reserve asks the slab allocator to guarantee size more bytes are
// available (spec.md §6's `reserve(size)`).
func (db *DB) Reserve(size int64) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.cfg.Allocator.ReserveDiskSpace(size)
}
