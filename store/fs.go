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
	"fmt"
	"os"
	"path/filepath"

	mmap "github.com/blevesearch/mmap-go"
	"golang.org/x/sys/unix"
)

// FSDirectory stores files in one filesystem directory. Inputs are
// memory-mapped read-only; the lock is a flock on a dedicated lock file.
type FSDirectory struct {
	path string
}

// OpenFSDirectory opens (creating if needed) a filesystem directory.
func OpenFSDirectory(path string) (*FSDirectory, error) {
	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return nil, err
	}
	return &FSDirectory{path: path}, nil
}

func (d *FSDirectory) Path() string { return d.path }

type fsOutput struct {
	f *os.File
}

func (o *fsOutput) Write(p []byte) (int, error) { return o.f.Write(p) }
func (o *fsOutput) Sync() error                 { return o.f.Sync() }
func (o *fsOutput) Close() error                { return o.f.Close() }

func (d *FSDirectory) CreateOutput(name string) (Output, error) {
	f, err := os.OpenFile(filepath.Join(d.path, name),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &fsOutput{f: f}, nil
}

type fsInput struct {
	f  *os.File
	mm mmap.MMap
}

func (i *fsInput) Data() []byte { return i.mm }

func (i *fsInput) Close() error {
	err := i.mm.Unmap()
	if cerr := i.f.Close(); err == nil {
		err = cerr
	}
	return err
}

type emptyInput struct{}

func (emptyInput) Data() []byte { return nil }
func (emptyInput) Close() error { return nil }

func (d *FSDirectory) OpenInput(name string) (Input, error) {
	f, err := os.Open(filepath.Join(d.path, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		// mmap of a zero-length file fails
		_ = f.Close()
		return emptyInput{}, nil
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fsInput{f: f, mm: mm}, nil
}

func (d *FSDirectory) Rename(src, dst string) error {
	return os.Rename(filepath.Join(d.path, src), filepath.Join(d.path, dst))
}

func (d *FSDirectory) DeleteFile(name string) error {
	err := os.Remove(filepath.Join(d.path, name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return err
}

func (d *FSDirectory) ListAll() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	rv := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			rv = append(rv, e.Name())
		}
	}
	return rv, nil
}

type fsLock struct {
	f *os.File
}

func (l *fsLock) Release() error {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *FSDirectory) ObtainLock(name string) (Lock, error) {
	f, err := os.OpenFile(filepath.Join(d.path, name),
		os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		return nil, err
	}
	return &fsLock{f: f}, nil
}

func (d *FSDirectory) Sync() error {
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
