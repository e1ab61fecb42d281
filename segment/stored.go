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

	"github.com/golang/snappy"

	"github.com/blevesearch/fathom/document"
)

// StoredFieldVisitor is invoked once per stored field of a document.
// Returning false stops the visit. The value slice must not be retained.
type StoredFieldVisitor func(field string, typ document.ValueType, value []byte) bool

// VisitStoredFields decodes the stored fields of the document and invokes
// the visitor for each one, in the order they were added.
func (sb *SegmentBase) VisitStoredFields(docNum uint64, visitor StoredFieldVisitor) error {
	if docNum >= sb.numDocs {
		return fmt.Errorf("docNum %d out of range [0, %d)", docNum, sb.numDocs)
	}
	meta, compressed, err := sb.getDocStoredMetaAndCompressed(docNum)
	if err != nil {
		return err
	}
	uncompressed, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("%w: stored data: %v", ErrCorrupted, err)
	}

	r := newMemUvarintReader(meta)
	for r.Len() > 0 {
		fieldID, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: stored meta: %v", ErrCorrupted, err)
		}
		typ, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: stored meta: %v", ErrCorrupted, err)
		}
		offset, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: stored meta: %v", ErrCorrupted, err)
		}
		length, err := r.ReadUvarint()
		if err != nil {
			return fmt.Errorf("%w: stored meta: %v", ErrCorrupted, err)
		}
		if offset+length > uint64(len(uncompressed)) {
			return fmt.Errorf("%w: stored value beyond data", ErrCorrupted)
		}
		if int(fieldID) >= len(sb.fieldsInv) {
			return fmt.Errorf("%w: stored field id %d unknown", ErrCorrupted, fieldID)
		}
		keepGoing := visitor(sb.fieldsInv[fieldID],
			document.ValueType(typ), uncompressed[offset:offset+length])
		if !keepGoing {
			return nil
		}
	}
	return nil
}

func (sb *SegmentBase) getDocStoredMetaAndCompressed(docNum uint64) ([]byte, []byte, error) {
	indexOffset := sb.storedIndexOffset + (8 * docNum)
	storedOffset := binary.BigEndian.Uint64(sb.mem[indexOffset : indexOffset+8])

	var n uint64
	metaLen, read := binary.Uvarint(sb.mem[storedOffset : storedOffset+binary.MaxVarintLen64])
	if read <= 0 {
		return nil, nil, fmt.Errorf("%w: stored meta length", ErrCorrupted)
	}
	n += uint64(read)
	dataLen, read := binary.Uvarint(sb.mem[storedOffset+n : storedOffset+n+binary.MaxVarintLen64])
	if read <= 0 {
		return nil, nil, fmt.Errorf("%w: stored data length", ErrCorrupted)
	}
	n += uint64(read)

	meta := sb.mem[storedOffset+n : storedOffset+n+metaLen]
	data := sb.mem[storedOffset+n+metaLen : storedOffset+n+metaLen+dataLen]
	return meta, data, nil
}
