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

// Package segment implements the immutable on-disk segment format: a
// prefix-compressed (FST) term dictionary per field, roaring + chunked
// postings with frequencies, norms and positions, snappy-compressed
// stored fields and doc values, and a checksummed footer.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"

	"github.com/blevesearch/fathom/document"
	"github.com/blevesearch/fathom/store"
)

const (
	// Magic marks the last four bytes of every segment file.
	Magic uint32 = 0xfa7c0de5

	// Version is the current file format version.
	Version uint32 = 1

	// FooterSize is the size of the fixed trailer:
	// numDocs u64, storedIndexOffset u64, fieldsIndexOffset u64,
	// chunkFactor u32, version u32, crc u32, magic u32.
	FooterSize = 8 + 8 + 8 + 4 + 4 + 4 + 4
)

// DefaultChunkFactor is the number of documents per postings/doc-value
// chunk when the caller does not configure one.
const DefaultChunkFactor uint32 = 128

// fieldNotUninverted marks a field with no doc values.
const fieldNotUninverted = math.MaxUint64

var (
	// ErrCorrupted indicates a checksum, magic or structural mismatch.
	ErrCorrupted = errors.New("segment corrupted")

	// ErrUnsupportedVersion indicates a footer from an incompatible
	// format version.
	ErrUnsupportedVersion = errors.New("unsupported segment format version")
)

// SegmentBase is a read-only, in-memory representation of a segment's
// encoded bytes. It backs both freshly built segments (not yet persisted)
// and mmap'd segment files.
type SegmentBase struct {
	mem               []byte
	memCRC            uint32
	chunkFactor       uint32
	numDocs           uint64
	storedIndexOffset uint64
	fieldsIndexOffset uint64

	fieldsMap      map[string]uint16 // fieldName -> fieldID+1
	fieldsInv      []string          // fieldID -> fieldName
	fieldsOptions  []document.IndexingOptions
	dictLocs       []uint64 // fieldID -> dictionary address, 0 if not indexed
	fieldDvStart   []uint64
	fieldDvEnd     []uint64
	fieldSumLens   []uint64          // fieldID -> total analyzed length
	fieldDocCounts []uint64          // fieldID -> count of docs with the field
	fieldDocs      []*roaring.Bitmap // fieldID -> docs carrying the field

	fieldDvReaders map[uint16]*docValueReader
}

// Data returns the complete encoded bytes, footer included.
func (sb *SegmentBase) Data() []byte { return sb.mem }

// Count returns the number of documents in the segment.
func (sb *SegmentBase) Count() uint64 { return sb.numDocs }

// CRC returns the checksum over the encoded bytes before the footer's
// crc field.
func (sb *SegmentBase) CRC() uint32 { return sb.memCRC }

// ChunkFactor returns the postings/doc-value chunk size.
func (sb *SegmentBase) ChunkFactor() uint32 { return sb.chunkFactor }

// Fields returns the field names, in fieldID order.
func (sb *SegmentBase) Fields() []string { return sb.fieldsInv }

// FieldOptions returns the indexing options recorded for a field.
func (sb *SegmentBase) FieldOptions(field string) (document.IndexingOptions, bool) {
	id, ok := sb.fieldsMap[field]
	if !ok {
		return 0, false
	}
	return sb.fieldsOptions[id-1], true
}

// FieldStats returns the number of documents carrying the field and the
// total analyzed token count across them, for length normalization.
func (sb *SegmentBase) FieldStats(field string) (docCount, sumLength uint64) {
	id, ok := sb.fieldsMap[field]
	if !ok {
		return 0, 0
	}
	return sb.fieldDocCounts[id-1], sb.fieldSumLens[id-1]
}

func initSegmentBase(mem []byte, memCRC uint32, chunkFactor uint32,
	numDocs uint64, storedIndexOffset, fieldsIndexOffset uint64) (*SegmentBase, error) {
	sb := &SegmentBase{
		mem:               mem,
		memCRC:            memCRC,
		chunkFactor:       chunkFactor,
		numDocs:           numDocs,
		storedIndexOffset: storedIndexOffset,
		fieldsIndexOffset: fieldsIndexOffset,
		fieldsMap:         make(map[string]uint16),
		fieldDvReaders:    make(map[uint16]*docValueReader),
	}
	err := sb.loadFields()
	if err != nil {
		return nil, err
	}
	err = sb.loadDvReaders()
	if err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *SegmentBase) loadFields() error {
	fieldsIndexEnd := uint64(len(sb.mem) - FooterSize)
	if sb.fieldsIndexOffset > fieldsIndexEnd {
		return fmt.Errorf("%w: fields index offset beyond footer", ErrCorrupted)
	}
	numFields := (fieldsIndexEnd - sb.fieldsIndexOffset) / 8

	for fieldID := uint64(0); fieldID < numFields; fieldID++ {
		addr := binary.BigEndian.Uint64(
			sb.mem[sb.fieldsIndexOffset+(8*fieldID) : sb.fieldsIndexOffset+(8*fieldID)+8])
		if addr >= fieldsIndexEnd {
			return fmt.Errorf("%w: field %d address beyond fields index", ErrCorrupted, fieldID)
		}
		r := newMemUvarintReader(sb.mem[addr:sb.fieldsIndexOffset])

		nameLen, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		name := string(r.s[r.i : r.i+int(nameLen)])
		r.i += int(nameLen)

		opts, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		dictLoc, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		dvStart, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		dvEnd, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		sumLen, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		docCount, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		docsLen, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		docs := roaring.New()
		if docsLen > 0 {
			if r.i+int(docsLen) > len(r.s) {
				return fmt.Errorf("%w: field %s docs bitmap truncated", ErrCorrupted, name)
			}
			err = docs.UnmarshalBinary(r.s[r.i : r.i+int(docsLen)])
			if err != nil {
				return fmt.Errorf("%w: field %s docs bitmap: %v", ErrCorrupted, name, err)
			}
			r.i += int(docsLen)
		}

		sb.fieldsMap[name] = uint16(fieldID + 1)
		sb.fieldsInv = append(sb.fieldsInv, name)
		sb.fieldsOptions = append(sb.fieldsOptions, document.IndexingOptions(opts))
		sb.dictLocs = append(sb.dictLocs, dictLoc)
		sb.fieldDvStart = append(sb.fieldDvStart, dvStart)
		sb.fieldDvEnd = append(sb.fieldDvEnd, dvEnd)
		sb.fieldSumLens = append(sb.fieldSumLens, sumLen)
		sb.fieldDocCounts = append(sb.fieldDocCounts, docCount)
		sb.fieldDocs = append(sb.fieldDocs, docs)
	}
	return nil
}

// Dictionary returns the term dictionary for the named field, or a nil
// dictionary if the field is unknown or not indexed.
func (sb *SegmentBase) Dictionary(field string) (*Dictionary, error) {
	fieldID, ok := sb.fieldsMap[field]
	if !ok || sb.dictLocs[fieldID-1] == 0 {
		return nil, nil
	}
	dictLoc := sb.dictLocs[fieldID-1]
	r := newMemUvarintReader(sb.mem[dictLoc:])
	fstLen, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: dictionary length: %v", ErrCorrupted, err)
	}
	fstStart := dictLoc + uint64(r.i)
	fst, err := vellum.Load(sb.mem[fstStart : fstStart+fstLen])
	if err != nil {
		return nil, fmt.Errorf("%w: dictionary fst: %v", ErrCorrupted, err)
	}
	return &Dictionary{
		sb:      sb,
		field:   field,
		fieldID: fieldID - 1,
		fst:     fst,
	}, nil
}

// Segment is a SegmentBase backed by a store.Input, reference counted so
// multiple snapshots can share it.
type Segment struct {
	SegmentBase

	in store.Input

	m    sync.Mutex
	refs int64
}

// Open parses and verifies a persisted segment from the provided input.
// The returned segment holds one reference; callers release it with
// DecRef.
func Open(in store.Input) (*Segment, error) {
	data := in.Data()
	sb, err := openSegmentBase(data)
	if err != nil {
		return nil, err
	}
	return &Segment{
		SegmentBase: *sb,
		in:          in,
		refs:        1,
	}, nil
}

func openSegmentBase(data []byte) (*SegmentBase, error) {
	if len(data) < FooterSize {
		return nil, fmt.Errorf("%w: file smaller than footer", ErrCorrupted)
	}
	footerStart := len(data) - FooterSize

	magic := binary.BigEndian.Uint32(data[len(data)-4:])
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %08x", ErrCorrupted, magic)
	}
	crc := binary.BigEndian.Uint32(data[len(data)-8 : len(data)-4])
	computed := crc32.ChecksumIEEE(data[:len(data)-8])
	if computed != crc {
		return nil, fmt.Errorf("%w: checksum mismatch, footer %08x computed %08x",
			ErrCorrupted, crc, computed)
	}
	version := binary.BigEndian.Uint32(data[len(data)-12 : len(data)-8])
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, supports %d",
			ErrUnsupportedVersion, version, Version)
	}
	chunkFactor := binary.BigEndian.Uint32(data[len(data)-16 : len(data)-12])
	fieldsIndexOffset := binary.BigEndian.Uint64(data[footerStart+16 : footerStart+24])
	storedIndexOffset := binary.BigEndian.Uint64(data[footerStart+8 : footerStart+16])
	numDocs := binary.BigEndian.Uint64(data[footerStart : footerStart+8])

	return initSegmentBase(data, crc, chunkFactor, numDocs,
		storedIndexOffset, fieldsIndexOffset)
}

// AddRef adds a reference to the segment.
func (s *Segment) AddRef() {
	s.m.Lock()
	s.refs++
	s.m.Unlock()
}

// DecRef releases a reference, closing the underlying input when the
// count reaches zero.
func (s *Segment) DecRef() error {
	s.m.Lock()
	s.refs--
	closeNow := s.refs == 0
	s.m.Unlock()
	if closeNow {
		return s.in.Close()
	}
	return nil
}

// Close releases the caller's reference.
func (s *Segment) Close() error {
	return s.DecRef()
}
