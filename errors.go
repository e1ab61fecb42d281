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

package fathom

import (
	"errors"
	"fmt"

	"github.com/blevesearch/fathom/store"
)

// ErrClosed is returned by operations on a closed writer or snapshot.
var ErrClosed = errors.New("fathom: closed")

// ErrLockHeld is returned by Open when another writer holds the
// directory's write lock.
var ErrLockHeld = store.ErrLockHeld

// CorruptError reports a segment or commit point that failed checksum or
// structural verification on open.
type CorruptError struct {
	Name string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("fathom: %s is corrupt: %v", e.Name, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }
