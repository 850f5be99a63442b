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

// ControlVersion is the structural version tag of the SharedControl layout
// (spec.md §6, "Structural version tag ≡ 4"). Bumping it is a breaking ABI
// change; every attacher compares its own constant against the value
// recorded by the session initiator.
const ControlVersion uint32 = 4

// Header is the fixed-offset prefix of SharedControl: bit-exact across
// every participant of one session, so a prospective attacher can validate
// it having mapped only these first bytes (spec.md §4.3, §6).
//
//	offset 0: InitComplete  (publication barrier)
//	offset 1: SizeOfMutex   (ABI self-check)
//	offset 2: SizeOfCondvar (ABI self-check)
//	offset 4: Version       (structural layout version, ≡ ControlVersion)
//	offset 16: LatestVersionNumber (placed at a fixed, known offset for
//	           debugging, per spec.md §4.3)
//
// Fields after LatestVersionNumber are session metadata guarded by
// ControlMutex; they do not need a fixed offset contract and are declared
// in Control below, not here.
type Header struct {
	InitComplete  uint8
	SizeOfMutex   uint8
	SizeOfCondvar uint8
	_             uint8 // pad to 4-byte alignment ahead of Version
	Version       uint32
	_             [8]byte // pad out to offset 16
	LatestVersionNumber uint64
}

// HeaderSize is the byte size of Header as laid out above; a prospective
// attacher maps at least this many bytes before it may safely read
// InitComplete (spec.md §4.4, Open protocol step 3).
const HeaderSize = 24

// sizeOfMutex and sizeOfCondvar are written into the header by the session
// initiator and checked by every subsequent attacher (spec.md §4.3, "ABI
// self-check"). Since this implementation's RobustMutex/CondVar are
// fixed-size Go structs rather than platform pthread types, the "size"
// here is a layout fingerprint: it changes if either type's field layout
// changes, which is exactly the property the original ABI check protects.
const (
	sizeOfMutex   = uint8(mutexStateSize)
	sizeOfCondvar = uint8(condVarStateSize)
)
