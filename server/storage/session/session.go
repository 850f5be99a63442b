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

package session

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/fileutil"
	"go.uber.org/zap"

	"go.realmcore.dev/core/pkg/lockutil"
	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/ringbuf"
	"go.realmcore.dev/core/server/storage/shared"
)

// pollRetryInterval bounds how often Open re-checks init_complete while
// racing another process's exclusive-lock initialization window (spec.md
// §4.4, Open protocol: "retry loop until the lock file is both valid and
// stable").
const pollRetryInterval = time.Millisecond

// defaultDaemonReadyTimeout bounds how long Open waits for an async daemon
// to report ready before giving up (spec.md §4.4 step 10 names the wait but
// not a timeout; a session attachment must still be able to fail instead of
// blocking forever on a daemon that never starts).
const defaultDaemonReadyTimeout = 10 * time.Second

// Config describes how an attachment wants to open a session.
type Config struct {
	// Path is the database file's path; the control region lives at
	// Path+".lock".
	Path string
	// Durability is the commit-to-disk policy. It is fixed for the life
	// of the session by whichever attachment first creates the control
	// region; later attachments must request the same value (spec.md
	// §4.4 step 8).
	Durability shared.Durability
	// NoCreate forbids creating a new data file; Attach fails if Path
	// does not already exist.
	NoCreate bool
	// Encrypted gates cross-process sharing to the session initiator's
	// pid (spec.md §3, §4.4 step 7).
	Encrypted bool
	// InitialRingCapacity sizes a freshly created control region's
	// ringbuffer; ignored by an attachment that finds one already
	// initialized. Defaults to ringbuf.MinCapacity.
	InitialRingCapacity int

	// Allocator is the slab allocator collaborator every attachment (not
	// only the session initiator) attaches the data file through.
	Allocator collab.SlabAllocator
	// Replication is the optional replication log collaborator.
	Replication collab.ReplicationLog
	// FreeSpace is the optional free-space tracker seeded from the
	// allocator's rebuilt free list on attach.
	FreeSpace collab.FreeSpaceTracker

	// IsDaemon marks this attachment as the async daemon itself, so Open
	// does not wait on its own readiness broadcast.
	IsDaemon bool
	// StartDaemon, if set and Durability is Async, is invoked by the
	// first attachment to observe daemon_started == 0, to spawn the
	// daemon process/goroutine (spec.md §4.4 step 10).
	StartDaemon func(path string) error
	// DaemonReadyTimeout overrides defaultDaemonReadyTimeout.
	DaemonReadyTimeout time.Duration

	Logger *zap.Logger
}

// Session is one attachment's handle onto a session's SharedControl region,
// per spec.md §3's "Attachment-local state": lock_file, control_map, and
// (via Bound.Ring) reader_map.
type Session struct {
	lg  *zap.Logger
	cfg Config

	shLock *lockutil.SharedLock
	fmap   *FileMap

	*shared.Bound

	initial collab.AttachResult
}

// InitialAttach returns the root/version/size this attachment observed when
// it attached the data file through the slab allocator (spec.md §4.4 step
// 6/7), the starting point for the caller's first implicit read.
func (s *Session) InitialAttach() collab.AttachResult { return s.initial }

// Open runs the protocol of spec.md §4.4: race to initialize the control
// region under an exclusive lock, fall back to a shared lock retained for
// the attachment's lifetime, validate the ABI, and join or establish the
// session under control_mutex.
func Open(cfg Config) (*Session, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	if cfg.Allocator == nil {
		return nil, errors.New("session: Config.Allocator is required")
	}
	capacity := cfg.InitialRingCapacity
	if capacity < ringbuf.MinCapacity {
		capacity = ringbuf.MinCapacity
	}
	lockPath := cfg.Path + ".lock"

	for {
		if err := tryInitializeControlRegion(lg, lockPath, capacity); err != nil {
			return nil, err
		}

		shLock, err := lockutil.OpenShared(lockPath)
		if err != nil {
			return nil, fmt.Errorf("session: acquire shared lock: %w", err)
		}

		fm, err := mapFile(shLock.File(), shared.ControlSize)
		if err != nil {
			shLock.Close()
			return nil, err
		}

		ctrl := fm.Control()
		if ctrl.InitComplete == 0 {
			// Another attachment holds (or just released) the exclusive
			// lock mid-initialization; this read raced it. Retry the
			// whole protocol rather than trust a half-written header.
			fm.Close()
			shLock.Close()
			time.Sleep(pollRetryInterval)
			continue
		}

		if err := shared.ValidateABI(ctrl); err != nil {
			fm.Close()
			shLock.Close()
			return nil, err
		}

		sess, err := attach(lg, cfg, shLock, fm)
		if err != nil {
			fm.Close()
			shLock.Close()
			return nil, err
		}
		return sess, nil
	}
}

// tryInitializeControlRegion implements spec.md §4.4 Open protocol step 1:
// an uncontended exclusive lock means no SharedControl exists yet, so this
// attachment creates and stamps one before releasing the lock. If the
// exclusive lock is already held (fileutil.ErrLocked), some other
// attachment is either initializing or has already finished; either way
// this attachment proceeds straight to the shared-lock phase.
func tryInitializeControlRegion(lg *zap.Logger, lockPath string, capacity int) error {
	excl, err := lockutil.TryExclusive(lockPath)
	if err != nil {
		if errors.Is(err, fileutil.ErrLocked) {
			return nil
		}
		return fmt.Errorf("session: exclusive lock: %w", err)
	}
	defer excl.Close()

	size := RequiredSize(capacity)
	fm, err := mapFile(excl.File, size)
	if err != nil {
		return err
	}
	defer fm.Close()

	ctrl := fm.Control()
	if ctrl.InitComplete != 0 {
		// A prior session's control region survived (e.g. Full durability
		// left the .lock file behind); nothing to initialize.
		return nil
	}

	bindFreshRing(ctrl, fm, capacity)
	ctrl.RingCapacity = uint32(capacity)
	shared.Stamp(ctrl) // sets InitComplete=1 last, publishing the header
	lg.Debug("session: initialized control region", zap.String("path", lockPath), zap.Int("ring_capacity", capacity))
	return nil
}

func bindFreshRing(ctrl *shared.Control, fm *FileMap, capacity int) {
	slots := fm.Slots(capacity)
	b := shared.Bind(ctrl, slots)
	b.Ring.Initialize(capacity)
}

// attach implements spec.md §4.4 steps 5-10: remap to the full control
// region, join under control_mutex as initiator or participant, validate
// durability, and (in Async mode) wait for the daemon.
func attach(lg *zap.Logger, cfg Config, shLock *lockutil.SharedLock, fm *FileMap) (*Session, error) {
	ctrl := fm.Control()
	capacity := int(ctrl.RingCapacity)
	if err := fm.Remap(RequiredSize(capacity)); err != nil {
		return nil, err
	}
	ctrl = fm.Control() // Remap may have moved the mapping
	bound := shared.Bind(ctrl, fm.Slots(capacity))

	bound.ControlMutex.Lock()

	sessionInitiator := bound.NumParticipants == 0

	result, err := cfg.Allocator.Attach(cfg.Path, cfg.NoCreate, sessionInitiator)
	if err != nil {
		bound.ControlMutex.Unlock()
		return nil, fmt.Errorf("session: attach data file: %w", err)
	}

	if sessionInitiator {
		version := result.Version
		switch {
		case version == 0 && result.TopRef == 0:
			version = 1 // no existing root: start a fresh history at version 1
		case version == 0:
			bound.ControlMutex.Unlock()
			return nil, ErrVersionZero // an existing root may never claim version 0
		}
		if cfg.Encrypted {
			bound.SessionInitiatorPID = lockutil.PID
		}
		bound.DurabilityMode = cfg.Durability
		last := bound.Ring.Slot(bound.Ring.Last())
		last.Version = version
		last.TopRef = result.TopRef
		last.FileSize = result.FileSize
		bound.LatestVersionNumber = version
		if cfg.Replication != nil {
			cfg.Replication.InformLatestVersion(version)
		}
		if cfg.FreeSpace != nil {
			cfg.FreeSpace.Seed(result.FreeBytes)
		}
	} else {
		if cfg.Encrypted && bound.SessionInitiatorPID != 0 && bound.SessionInitiatorPID != lockutil.PID {
			cfg.Allocator.Detach()
			bound.ControlMutex.Unlock()
			return nil, ErrEncryptedSharingUnsupported
		}
		if bound.Version != shared.ControlVersion {
			cfg.Allocator.Detach()
			bound.ControlMutex.Unlock()
			return nil, &shared.ErrIncompatibleLockFile{Reason: "structural version mismatch"}
		}
		if bound.DurabilityMode != cfg.Durability {
			cfg.Allocator.Detach()
			bound.ControlMutex.Unlock()
			return nil, ErrDurabilityMismatch
		}
	}

	bound.NumParticipants++

	sess := &Session{
		lg:      lg,
		cfg:     cfg,
		shLock:  shLock,
		fmap:    fm,
		Bound:   bound,
		initial: result,
	}

	// control_mutex must be released before ensureDaemonReady's wait: that
	// wait blocks on a goroutine which, for an in-process daemon, attaches
	// its own Session and needs this same mutex to record its own
	// participant count.
	bound.ControlMutex.Unlock()

	if cfg.Durability == shared.Async && !cfg.IsDaemon {
		if err := sess.ensureDaemonReady(); err != nil {
			bound.ControlMutex.Lock()
			bound.NumParticipants--
			bound.ControlMutex.Unlock()
			cfg.Allocator.Detach()
			return nil, err
		}
	}

	return sess, nil
}

// ensureDaemonReady implements spec.md §4.4 step 10: spawn the daemon if
// this is the first participant to need it, then wait for
// daemon_becomes_ready. Must be called with control_mutex already released:
// its wait blocks on a goroutine which, for an in-process daemon, attaches
// its own Session and needs that same mutex to record its own participant
// count, so holding it here would deadlock that attach.
func (s *Session) ensureDaemonReady() error {
	if atomic.LoadUint32(&s.Control.DaemonStarted) == 0 {
		if s.cfg.StartDaemon != nil {
			if err := s.cfg.StartDaemon(s.cfg.Path); err != nil {
				return fmt.Errorf("session: start async daemon: %w", err)
			}
		}
		atomic.StoreUint32(&s.Control.DaemonStarted, 1)
	}
	if atomic.LoadUint32(&s.Control.DaemonReady) != 0 {
		return nil
	}

	timeout := s.cfg.DaemonReadyTimeout
	if timeout <= 0 {
		timeout = defaultDaemonReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	gen := s.Bound.DaemonBecomesReady.Generation()
	for atomic.LoadUint32(&s.Control.DaemonReady) == 0 {
		newGen, woke := s.Bound.DaemonBecomesReady.Wait(gen, deadline)
		if !woke {
			return fmt.Errorf("session: timed out waiting for async daemon to become ready")
		}
		gen = newGen
	}
	return nil
}

// RemapIfGrown implements spec.md §4.5's grow_reader_mapping: if the
// writer has expanded the ringbuffer past what this attachment last
// mapped, remap the control file to the larger size and rebind Bound over
// the new mapping. Safe to call from any attachment at any time; readers
// call it lazily, only once they observe an index at or past their cached
// capacity. Returns nil when no remap was needed; a remap always replaces
// the mapping at a new address, so callers (txn.Attachment's remap hook)
// must switch to the returned Bound rather than keep using the one they
// held before calling this.
func (s *Session) RemapIfGrown() (*shared.Bound, error) {
	current := uint32(s.Bound.Ring.Capacity())
	latest := atomic.LoadUint32(&s.Control.RingCapacity)
	if latest <= current {
		return nil, nil
	}
	if err := s.fmap.Remap(RequiredSize(int(latest))); err != nil {
		return nil, err
	}
	ctrl := s.fmap.Control()
	s.Bound = shared.Bind(ctrl, s.fmap.Slots(int(latest)))
	return s.Bound, nil
}

// GrowRing implements the file/ring growth spec.md §4.6 step 5 requires
// before the writer can publish into a full ring: remap the control file to
// newCapacity slots, splice the newly available tail into the free list,
// and only then publish the larger RingCapacity so other attachments'
// RemapIfGrown never observes a capacity whose tail isn't spliced yet. The
// caller must already hold write_mutex.
func (s *Session) GrowRing(newCapacity int) (*shared.Bound, error) {
	oldCap := uint32(s.Bound.Ring.Capacity())
	if err := s.fmap.Remap(RequiredSize(newCapacity)); err != nil {
		return nil, err
	}
	ctrl := s.fmap.Control()
	bound := shared.Bind(ctrl, s.fmap.Slots(newCapacity))
	if err := bound.Ring.SpliceGrowth(oldCap); err != nil {
		return nil, err
	}
	atomic.StoreUint32(&ctrl.RingCapacity, uint32(newCapacity))
	s.Bound = bound
	s.lg.Debug("session: grew ring", zap.Int("old_capacity", int(oldCap)), zap.Int("new_capacity", newCapacity))
	return bound, nil
}

// Close implements spec.md §4.4's Close protocol steps 2-3. The caller
// (the transaction state machine above this package) is responsible for
// step 1: rolling back or ending any in-progress transaction before
// calling Close.
func (s *Session) Close() error {
	s.Bound.ControlMutex.Lock()
	s.Bound.NumParticipants--
	sessionEnd := s.Bound.NumParticipants == 0
	durability := s.Bound.DurabilityMode
	s.Bound.ControlMutex.Unlock()

	if err := s.cfg.Allocator.Detach(); err != nil {
		s.lg.Warn("session: detach slab allocator", zap.Error(err))
	}

	if sessionEnd {
		if durability == shared.MemOnly {
			if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
				s.lg.Warn("session: remove mem-only data file", zap.Error(err))
			}
		}
		if s.cfg.Replication != nil {
			s.cfg.Replication.StopManaging()
		}
	}

	if err := s.fmap.Close(); err != nil {
		s.lg.Warn("session: unmap control region", zap.Error(err))
	}
	if err := s.shLock.Close(); err != nil {
		return fmt.Errorf("session: release shared lock: %w", err)
	}
	return nil
}
