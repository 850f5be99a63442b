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

import "errors"

// ErrEncryptedSharingUnsupported is spec.md §4.4 Open protocol step 7: a
// non-initiator attachment to an encrypted file whose pid does not match
// the session initiator's.
var ErrEncryptedSharingUnsupported = errors.New("session: encrypted interprocess sharing unsupported")

// ErrVersionZero is spec.md §4.4 step 6: a root claiming version 0, which
// this core reserves to mean "no version yet assigned".
var ErrVersionZero = errors.New("session: stored version must not be zero")

// ErrDurabilityMismatch is spec.md §4.4 step 8's structural check.
var ErrDurabilityMismatch = errors.New("session: durability mode does not match the session's existing durability mode")
