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

package segment

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/snappy"

	"github.com/blevesearch/fathom/document"
)

// DocValueVisitor is invoked with a document's doc value for one field.
// The value slice must not be retained.
type DocValueVisitor func(field string, typ document.ValueType, value []byte)

// docValueReader addresses one field's columnar doc value section. A
// chunk is decompressed lazily and cached until a different chunk is
// needed.
type docValueReader struct {
	field        string
	curChunkNum  uint64
	chunkOffsets []uint64
	dvDataLoc    uint64
	dvSectionEnd uint64
	curChunkMeta []MetaData
	curChunkData []byte
	uncompressed []byte
}

func (di *docValueReader) cloneInto(rv *docValueReader) *docValueReader {
	if rv == nil {
		rv = &docValueReader{}
	}
	rv.field = di.field
	rv.curChunkNum = math.MaxUint64
	rv.chunkOffsets = di.chunkOffsets // immutable, so sharable
	rv.dvDataLoc = di.dvDataLoc
	rv.dvSectionEnd = di.dvSectionEnd
	rv.curChunkMeta = rv.curChunkMeta[:0]
	rv.curChunkData = nil
	rv.uncompressed = rv.uncompressed[:0]
	return rv
}

func (sb *SegmentBase) loadFieldDocValueReader(field string,
	fieldDvLocStart, fieldDvLocEnd uint64) (*docValueReader, error) {
	if fieldDvLocStart == fieldNotUninverted {
		return nil, nil
	}
	if fieldDvLocEnd-fieldDvLocStart <= 16 {
		return nil, fmt.Errorf("%w: doc value section too small: %d-%d",
			ErrCorrupted, fieldDvLocStart, fieldDvLocEnd)
	}

	numChunks := binary.BigEndian.Uint64(sb.mem[fieldDvLocEnd-8 : fieldDvLocEnd])
	chunkOffsetsLen := binary.BigEndian.Uint64(sb.mem[fieldDvLocEnd-16 : fieldDvLocEnd-8])
	chunkOffsetsPosition := (fieldDvLocEnd - 16) - chunkOffsetsLen

	rv := &docValueReader{
		curChunkNum:  math.MaxUint64,
		field:        field,
		chunkOffsets: make([]uint64, int(numChunks)),
		dvDataLoc:    fieldDvLocStart,
		dvSectionEnd: chunkOffsetsPosition,
	}

	var offset uint64
	for i := 0; i < int(numChunks); i++ {
		loc, read := binary.Uvarint(
			sb.mem[chunkOffsetsPosition+offset : chunkOffsetsPosition+offset+binary.MaxVarintLen64])
		if read <= 0 {
			return nil, fmt.Errorf("%w: doc value chunk offset", ErrCorrupted)
		}
		rv.chunkOffsets[i] = loc
		offset += uint64(read)
	}
	return rv, nil
}

func (sb *SegmentBase) loadDvReaders() error {
	if sb.numDocs == 0 {
		return nil
	}
	for fieldID, field := range sb.fieldsInv {
		start, end := sb.fieldDvStart[fieldID], sb.fieldDvEnd[fieldID]
		fieldDvReader, err := sb.loadFieldDocValueReader(field, start, end)
		if err != nil {
			return err
		}
		if fieldDvReader != nil {
			sb.fieldDvReaders[uint16(fieldID)] = fieldDvReader
		}
	}
	return nil
}

func (di *docValueReader) loadDvChunk(chunkNumber uint64, sb *SegmentBase) error {
	if chunkNumber >= uint64(len(di.chunkOffsets)) {
		return fmt.Errorf("%w: no doc value chunk %d of %d",
			ErrCorrupted, chunkNumber, len(di.chunkOffsets))
	}
	destChunkDataLoc := di.dvDataLoc + di.chunkOffsets[chunkNumber]
	var curChunkEnd uint64
	if chunkNumber+1 < uint64(len(di.chunkOffsets)) {
		curChunkEnd = di.dvDataLoc + di.chunkOffsets[chunkNumber+1]
	} else {
		curChunkEnd = di.dvSectionEnd
	}

	if destChunkDataLoc >= curChunkEnd {
		// a chunk no document wrote into has zero length
		di.curChunkMeta = di.curChunkMeta[:0]
		di.curChunkData = nil
		di.curChunkNum = chunkNumber
		di.uncompressed = di.uncompressed[:0]
		return nil
	}

	r := newMemUvarintReader(sb.mem[destChunkDataLoc:curChunkEnd])
	numDocs, err := r.ReadUvarint()
	if err != nil {
		return fmt.Errorf("%w: doc value chunk header: %v", ErrCorrupted, err)
	}
	if cap(di.curChunkMeta) < int(numDocs) {
		di.curChunkMeta = make([]MetaData, numDocs)
	}
	di.curChunkMeta = di.curChunkMeta[:numDocs]
	for i := uint64(0); i < numDocs; i++ {
		di.curChunkMeta[i].DocNum, err = r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: doc value chunk meta: %v", ErrCorrupted, err)
		}
		di.curChunkMeta[i].DocDvOffset, err = r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: doc value chunk meta: %v", ErrCorrupted, err)
		}
	}
	compressed := r.s[r.i:]
	di.uncompressed, err = snappy.Decode(di.uncompressed[:cap(di.uncompressed)], compressed)
	if err != nil {
		return fmt.Errorf("%w: doc value chunk data: %v", ErrCorrupted, err)
	}
	di.curChunkData = di.uncompressed
	di.curChunkNum = chunkNumber
	return nil
}

func (di *docValueReader) visitDocValue(docNum uint64, visitor DocValueVisitor) error {
	// linear scan: chunks hold at most chunkFactor entries
	var start uint64
	for _, meta := range di.curChunkMeta {
		if meta.DocNum > docNum {
			return nil
		}
		if meta.DocNum == docNum {
			value := di.curChunkData[start:meta.DocDvOffset]
			if len(value) > 0 {
				visitor(di.field, document.ValueType(value[0]), value[1:])
			}
			return nil
		}
		start = meta.DocDvOffset
	}
	return nil
}

// dvIterate walks one field's doc values in ascending document order,
// handing the raw encoded value (type byte included) to fn. Used by the
// merger to re-emit doc values without a per-document chunk lookup.
func (sb *SegmentBase) dvIterate(field string,
	fn func(docNum uint64, value []byte) error) error {
	fieldID, ok := sb.fieldsMap[field]
	if !ok {
		return nil
	}
	dvr, ok := sb.fieldDvReaders[fieldID-1]
	if !ok || dvr == nil {
		return nil
	}
	local := dvr.cloneInto(nil)
	for chunk := range local.chunkOffsets {
		err := local.loadDvChunk(uint64(chunk), sb)
		if err != nil {
			return err
		}
		var start uint64
		for _, meta := range local.curChunkMeta {
			err = fn(meta.DocNum, local.curChunkData[start:meta.DocDvOffset])
			if err != nil {
				return err
			}
			start = meta.DocDvOffset
		}
	}
	return nil
}

// VisitDocValues invokes the visitor with the doc values of the given
// document for each requested field that has them. A nil fields slice
// visits every field with doc values.
func (sb *SegmentBase) VisitDocValues(docNum uint64, fields []string,
	visitor DocValueVisitor) error {
	if docNum >= sb.numDocs {
		return fmt.Errorf("docNum %d out of range [0, %d)", docNum, sb.numDocs)
	}
	chunkFactor := uint64(sb.chunkFactor)

	visitField := func(fieldID uint16) error {
		dvr, ok := sb.fieldDvReaders[fieldID]
		if !ok || dvr == nil {
			return nil
		}
		// clone so concurrent visits do not share chunk caches
		local := dvr.cloneInto(nil)
		err := local.loadDvChunk(docNum/chunkFactor, sb)
		if err != nil {
			return err
		}
		return local.visitDocValue(docNum, visitor)
	}

	if fields == nil {
		for fieldID := range sb.fieldsInv {
			err := visitField(uint16(fieldID))
			if err != nil {
				return err
			}
		}
		return nil
	}
	for _, field := range fields {
		fieldID, ok := sb.fieldsMap[field]
		if !ok {
			continue
		}
		err := visitField(fieldID - 1)
		if err != nil {
			return err
		}
	}
	return nil
}
