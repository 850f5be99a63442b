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

package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.realmcore.dev/core/server/storage/collab"
	"go.realmcore.dev/core/server/storage/shared"
)

// TestMain guards against a leaked ensureDaemonReady wait goroutine across
// Close (goleak checks goroutines only); Open/Close never spawn a background
// goroutine of their own, but an Async session's StartDaemon hook is the
// caller's responsibility to join, so this is a cheap regression check.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T, dir string) Config {
	t.Helper()
	return Config{
		Path:       filepath.Join(dir, "test.realm"),
		Durability: shared.Full,
		Allocator:  &collab.FakeSlabAllocator{},
	}
}

func TestOpenSingleAttachmentBecomesInitiator(t *testing.T) {
	dir := t.TempDir()
	sess, err := Open(testConfig(t, dir))
	require.NoError(t, err)
	defer sess.Close()

	require.EqualValues(t, 1, sess.NumParticipants)
	require.EqualValues(t, shared.Full, sess.DurabilityMode)
	require.EqualValues(t, 1, sess.Ring.Slot(sess.Ring.Last()).Version)
}

func TestOpenSecondAttachmentJoinsExistingSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	first, err := Open(cfg)
	require.NoError(t, err)
	defer first.Close()
	require.EqualValues(t, 1, first.NumParticipants)

	second, err := Open(cfg)
	require.NoError(t, err)
	defer second.Close()

	require.EqualValues(t, 2, first.NumParticipants)
	require.EqualValues(t, 2, second.NumParticipants)
}

func TestCloseDecrementsParticipantsAndEndsSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	repl := &collab.FakeReplicationLog{}
	cfg.Replication = repl

	first, err := Open(cfg)
	require.NoError(t, err)
	second, err := Open(cfg)
	require.NoError(t, err)
	require.EqualValues(t, 2, first.NumParticipants)

	require.NoError(t, second.Close())
	require.EqualValues(t, 1, first.NumParticipants)
	require.False(t, repl.Stopped)

	require.NoError(t, first.Close())
	require.True(t, repl.Stopped)
}

func TestOpenRejectsDurabilityMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Durability = shared.Full

	first, err := Open(cfg)
	require.NoError(t, err)
	defer first.Close()

	mismatched := cfg
	mismatched.Durability = shared.Async
	_, err = Open(mismatched)
	require.ErrorIs(t, err, ErrDurabilityMismatch)
}

func TestOpenRejectsEncryptedSharingFromAnotherPID(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Encrypted = true

	first, err := Open(cfg)
	require.NoError(t, err)
	defer first.Close()

	// Simulate a foreign pid by forging session_initiator_pid away from
	// this process's own, the only way to exercise the rejection branch
	// without actually forking a second process.
	first.SessionInitiatorPID ^= 0xdeadbeef

	_, err = Open(cfg)
	require.ErrorIs(t, err, ErrEncryptedSharingUnsupported)

	first.SessionInitiatorPID ^= 0xdeadbeef
}

func TestOpenAsyncWaitsForDaemonReady(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Durability = shared.Async
	cfg.DaemonReadyTimeout = 0 // use default; daemon marks itself ready immediately below

	daemonCfg := cfg
	daemonCfg.IsDaemon = true
	daemon, err := Open(daemonCfg)
	require.NoError(t, err)
	defer daemon.Close()

	daemon.DaemonReady = 1
	daemon.DaemonBecomesReady.Broadcast()

	sess, err := Open(cfg)
	require.NoError(t, err)
	defer sess.Close()
}
