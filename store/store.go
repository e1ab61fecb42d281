//  Copyright (c) 2024 Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store abstracts the byte storage underneath the index: named
// files with append-only writes, random-access (byte slice) reads, atomic
// rename and an exclusive advisory lock.
package store

import (
	"errors"
	"io"
)

// ErrLockHeld is returned by ObtainLock when another process or writer
// already holds the named lock.
var ErrLockHeld = errors.New("lock already held")

// ErrFileNotFound is returned by OpenInput and DeleteFile for names that
// do not exist.
var ErrFileNotFound = errors.New("file not found")

// Output is an append-only stream for a file under construction.
type Output interface {
	io.Writer

	// Sync makes previously written bytes durable.
	Sync() error

	io.Closer
}

// Input is a random-access view of a complete file. Data returns the
// entire file contents; the slice is valid until Close. Callers must not
// modify it.
type Input interface {
	Data() []byte
	io.Closer
}

// Lock is a held advisory lock.
type Lock interface {
	Release() error
}

// Directory is the storage backend contract. Implementations must make
// Rename atomic with respect to crashes and concurrent readers.
type Directory interface {
	CreateOutput(name string) (Output, error)
	OpenInput(name string) (Input, error)
	Rename(src, dst string) error
	DeleteFile(name string) error
	ListAll() ([]string, error)
	ObtainLock(name string) (Lock, error)

	// Sync makes directory-level metadata (renames, deletions) durable.
	Sync() error
}
