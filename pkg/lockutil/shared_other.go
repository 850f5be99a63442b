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

package lockutil

import (
	"errors"
	"os"
)

// SharedLock is unimplemented outside unix build targets: there is no
// portable advisory shared-lock primitive in the standard library, and
// this core's process-shared session protocol has no meaning on a
// platform without multi-process file sharing in the first place.
type SharedLock struct{}

func OpenShared(path string) (*SharedLock, error) {
	return nil, errors.New("lockutil: shared file locks are not supported on this platform")
}

func (s *SharedLock) File() *os.File { return nil }

func (s *SharedLock) Close() error { return nil }
