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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/blevesearch/fathom/segment"
	"github.com/blevesearch/fathom/store"
)

const (
	infosMagic   = 0xfa7c0d1f
	infosVersion = 1

	infosPrefix = "segments_"
)

// segmentEntry is one segment's line in a commit point.
type segmentEntry struct {
	id       uint64
	delGen   int64 // -1 when the segment has no deletions
	docCount uint64
}

// SegmentInfos is the root of the index: the ordered segment list, the
// commit generation it was loaded from or last written as, and the next
// unassigned segment id. It is copy-on-write; the writer replaces it
// wholesale, never edits a shared instance.
type SegmentInfos struct {
	generation uint64
	nextSegID  uint64
	segments   []segmentEntry
}

func (si *SegmentInfos) clone() *SegmentInfos {
	rv := &SegmentInfos{
		generation: si.generation,
		nextSegID:  si.nextSegID,
		segments:   make([]segmentEntry, len(si.segments)),
	}
	copy(rv.segments, si.segments)
	return rv
}

// SegmentInfo is the public view of one commit point entry.
type SegmentInfo struct {
	ID       uint64
	DelGen   int64
	DocCount uint64
}

// Generation returns the commit generation this list was loaded from or
// last written as; zero means the index has never been committed.
func (si *SegmentInfos) Generation() uint64 { return si.generation }

// NextSegmentID returns the next unassigned segment id.
func (si *SegmentInfos) NextSegmentID() uint64 { return si.nextSegID }

// Entries returns the segments in index order.
func (si *SegmentInfos) Entries() []SegmentInfo {
	rv := make([]SegmentInfo, len(si.segments))
	for i, e := range si.segments {
		rv[i] = SegmentInfo{ID: e.id, DelGen: e.delGen, DocCount: e.docCount}
	}
	return rv
}

// ReadCommit loads the latest commit point in dir without opening a
// writer, for inspection tooling.
func ReadCommit(dir store.Directory) (*SegmentInfos, error) {
	return loadSegmentInfos(dir)
}

func (si *SegmentInfos) contains(id uint64) bool {
	for _, e := range si.segments {
		if e.id == id {
			return true
		}
	}
	return false
}

func infosFileName(generation uint64) string {
	return fmt.Sprintf("%s%016x", infosPrefix, generation)
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("%016x.fseg", id)
}

func deletesFileName(id uint64, delGen int64) string {
	return fmt.Sprintf("%016x_%d.del", id, delGen)
}

// write persists si as segments_<generation>, atomically.
func (si *SegmentInfos) write(dir store.Directory) error {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint32(scratch[:4], infosMagic)
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], infosVersion)
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint64(scratch[:], si.generation)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], si.nextSegID)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(si.segments)))
	buf.Write(scratch[:4])
	for _, e := range si.segments {
		binary.BigEndian.PutUint64(scratch[:], e.id)
		buf.Write(scratch[:])
		binary.BigEndian.PutUint64(scratch[:], uint64(e.delGen))
		buf.Write(scratch[:])
		binary.BigEndian.PutUint64(scratch[:], e.docCount)
		buf.Write(scratch[:])
	}
	binary.BigEndian.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(scratch[:4])

	name := infosFileName(si.generation)
	tmp := name + ".tmp"
	out, err := dir.CreateOutput(tmp)
	if err != nil {
		return err
	}
	_, err = out.Write(buf.Bytes())
	if err == nil {
		err = out.Sync()
	}
	cerr := out.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = dir.DeleteFile(tmp)
		return err
	}
	err = dir.Rename(tmp, name)
	if err != nil {
		return err
	}
	return dir.Sync()
}

func parseSegmentInfos(name string, data []byte) (*SegmentInfos, error) {
	if len(data) < 24 {
		return nil, &CorruptError{Name: name, Err: fmt.Errorf("too short (%d bytes)", len(data))}
	}
	crc := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc != crc32.ChecksumIEEE(data[:len(data)-4]) {
		return nil, &CorruptError{Name: name, Err: fmt.Errorf("checksum mismatch")}
	}
	if magic := binary.BigEndian.Uint32(data[:4]); magic != infosMagic {
		return nil, &CorruptError{Name: name, Err: fmt.Errorf("bad magic %08x", magic)}
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != infosVersion {
		return nil, fmt.Errorf("fathom: %s: %w: commit point version %d",
			name, segment.ErrUnsupportedVersion, v)
	}
	rv := &SegmentInfos{
		generation: binary.BigEndian.Uint64(data[8:16]),
		nextSegID:  binary.BigEndian.Uint64(data[16:24]),
	}
	count := binary.BigEndian.Uint32(data[24:28])
	pos := 28
	if len(data) != pos+int(count)*24+4 {
		return nil, &CorruptError{Name: name, Err: fmt.Errorf("truncated segment list")}
	}
	for i := uint32(0); i < count; i++ {
		rv.segments = append(rv.segments, segmentEntry{
			id:       binary.BigEndian.Uint64(data[pos:]),
			delGen:   int64(binary.BigEndian.Uint64(data[pos+8:])),
			docCount: binary.BigEndian.Uint64(data[pos+16:]),
		})
		pos += 24
	}
	return rv, nil
}

// loadSegmentInfos reads the highest-generation commit point in dir, or
// an empty SegmentInfos when the directory holds none.
func loadSegmentInfos(dir store.Directory) (*SegmentInfos, error) {
	names, err := dir.ListAll()
	if err != nil {
		return nil, err
	}
	var latest string
	var latestGen uint64
	found := false
	for _, name := range names {
		gen, ok := parseInfosGen(name)
		if ok && (!found || gen > latestGen) {
			latest, latestGen, found = name, gen, true
		}
	}
	if !found {
		return &SegmentInfos{}, nil
	}
	in, err := dir.OpenInput(latest)
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.Close() }()
	return parseSegmentInfos(latest, in.Data())
}

func parseInfosGen(name string) (uint64, bool) {
	if !strings.HasPrefix(name, infosPrefix) || strings.HasSuffix(name, ".tmp") {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.TrimPrefix(name, infosPrefix), 16, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// writeDeletes persists a live-docs complement bitmap as
// <id>_<delGen>.del, atomically.
func writeDeletes(dir store.Directory, id uint64, delGen int64,
	deleted *roaring.Bitmap) error {
	name := deletesFileName(id, delGen)
	tmp := name + ".tmp"
	out, err := dir.CreateOutput(tmp)
	if err != nil {
		return err
	}
	_, err = deleted.WriteTo(out)
	if err == nil {
		err = out.Sync()
	}
	cerr := out.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = dir.DeleteFile(tmp)
		return err
	}
	return dir.Rename(tmp, name)
}

// loadDeletes reads a segment's deletions file for a generation.
func loadDeletes(dir store.Directory, id uint64, delGen int64) (*roaring.Bitmap, error) {
	name := deletesFileName(id, delGen)
	in, err := dir.OpenInput(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.Close() }()
	rv := roaring.New()
	err = rv.UnmarshalBinary(in.Data())
	if err != nil {
		return nil, &CorruptError{Name: name, Err: err}
	}
	return rv, nil
}
