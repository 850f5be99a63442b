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

//go:build !unix

package session

import (
	"errors"
	"os"

	"go.realmcore.dev/core/server/storage/ringbuf"
	"go.realmcore.dev/core/server/storage/shared"
)

var errUnsupportedPlatform = errors.New("session: shared memory-mapped sessions are only supported on unix")

func RequiredSize(capacity int) int64 { return 0 }

// FileMap is unimplemented outside unix build targets: this core's session
// protocol depends on a process-shared mapping, which has no portable
// non-unix equivalent available in this module's dependency set.
type FileMap struct{}

func mapFile(f *os.File, size int64) (*FileMap, error) { return nil, errUnsupportedPlatform }

func (m *FileMap) Remap(newSize int64) error { return errUnsupportedPlatform }

func (m *FileMap) Control() *shared.Control { return nil }

func (m *FileMap) Slots(capacity int) []ringbuf.Slot { return nil }

func (m *FileMap) Len() int { return 0 }

func (m *FileMap) Close() error { return nil }
