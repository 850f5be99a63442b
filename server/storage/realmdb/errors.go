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

package realmdb

import (
	"errors"

	"go.realmcore.dev/core/server/storage/session"
	"go.realmcore.dev/core/server/storage/txn"
)

// Re-exported so callers need not import server/storage/txn or
// server/storage/session directly to type-switch on the error taxonomy of
// spec.md §6/§7.
var (
	ErrWrongTransactionState       = txn.ErrWrongTransactionState
	ErrBadVersion                  = txn.ErrBadVersion
	ErrOutOfDiskSpace              = txn.ErrOutOfDiskSpace
	ErrEncryptedSharingUnsupported = session.ErrEncryptedSharingUnsupported
	ErrDurabilityMismatch          = session.ErrDurabilityMismatch
	ErrVersionZero                 = session.ErrVersionZero
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("realmdb: database is closed")
