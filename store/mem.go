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

package store

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// MemDirectory keeps files in memory. It implements the full Directory
// contract and is used by tests and short-lived indexes.
type MemDirectory struct {
	mu    sync.Mutex
	files map[string][]byte
	locks map[string]bool
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		files: make(map[string][]byte),
		locks: make(map[string]bool),
	}
}

type memOutput struct {
	d    *MemDirectory
	name string
	buf  bytes.Buffer
}

func (o *memOutput) Write(p []byte) (int, error) { return o.buf.Write(p) }
func (o *memOutput) Sync() error                 { return nil }

func (o *memOutput) Close() error {
	o.d.mu.Lock()
	o.d.files[o.name] = append([]byte(nil), o.buf.Bytes()...)
	o.d.mu.Unlock()
	return nil
}

func (d *MemDirectory) CreateOutput(name string) (Output, error) {
	return &memOutput{d: d, name: name}, nil
}

type memInput struct {
	data []byte
}

func (i *memInput) Data() []byte { return i.data }
func (i *memInput) Close() error { return nil }

func (d *MemDirectory) OpenInput(name string) (Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return &memInput{data: data}, nil
}

func (d *MemDirectory) Rename(src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[src]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, src)
	}
	d.files[dst] = data
	delete(d.files, src)
	return nil
}

func (d *MemDirectory) DeleteFile(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[name]; !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	delete(d.files, name)
	return nil
}

func (d *MemDirectory) ListAll() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rv := make([]string, 0, len(d.files))
	for name := range d.files {
		rv = append(rv, name)
	}
	sort.Strings(rv)
	return rv, nil
}

type memLock struct {
	d    *MemDirectory
	name string
}

func (l *memLock) Release() error {
	l.d.mu.Lock()
	delete(l.d.locks, l.name)
	l.d.mu.Unlock()
	return nil
}

func (d *MemDirectory) ObtainLock(name string) (Lock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks[name] {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	d.locks[name] = true
	return &memLock{d: d, name: name}, nil
}

func (d *MemDirectory) Sync() error { return nil }
