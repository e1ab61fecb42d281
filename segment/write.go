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
	"bytes"
	"encoding/binary"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/blevesearch/fathom/document"
	"github.com/blevesearch/fathom/store"
)

// writeFooter emits the fixed trailer through w, returning the CRC it
// recorded. The CRC is captured after the hashed footer fields are
// written, so it covers everything before the crc field itself.
func writeFooter(w *CountHashWriter, chunkFactor uint32, numDocs,
	storedIndexOffset, fieldsIndexOffset uint64) (uint32, error) {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], numDocs)
	_, err := w.Write(buf[:])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint64(buf[:], storedIndexOffset)
	_, err = w.Write(buf[:])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint64(buf[:], fieldsIndexOffset)
	_, err = w.Write(buf[:])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[:4], chunkFactor)
	_, err = w.Write(buf[:4])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[:4], Version)
	_, err = w.Write(buf[:4])
	if err != nil {
		return 0, err
	}

	crc := w.Sum32()
	binary.BigEndian.PutUint32(buf[:4], crc)
	_, err = w.Write(buf[:4])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[:4], Magic)
	_, err = w.Write(buf[:4])
	return crc, err
}

// writePostingsBlob emits one term's postings: the length-prefixed
// serialized doc bitmap, the chunked freq/norm stream and the chunked
// locations stream. The coders must already be filled and closed.
func writePostingsBlob(w *CountHashWriter, docs *roaring.Bitmap,
	freqCoder, locCoder *chunkedIntCoder, hasAnyLocs bool,
	scratch *bytes.Buffer, varBuf []byte) error {
	n := binary.PutUvarint(varBuf, docs.GetSerializedSizeInBytes())
	_, err := w.Write(varBuf[:n])
	if err != nil {
		return err
	}
	_, err = docs.WriteTo(w)
	if err != nil {
		return err
	}

	scratch.Reset()
	_, err = freqCoder.Write(scratch)
	if err != nil {
		return err
	}
	n = binary.PutUvarint(varBuf, uint64(scratch.Len()))
	_, err = w.Write(varBuf[:n])
	if err != nil {
		return err
	}
	_, err = w.Write(scratch.Bytes())
	if err != nil {
		return err
	}

	scratch.Reset()
	if hasAnyLocs {
		_, err = locCoder.Write(scratch)
		if err != nil {
			return err
		}
	}
	n = binary.PutUvarint(varBuf, uint64(scratch.Len()))
	_, err = w.Write(varBuf[:n])
	if err != nil {
		return err
	}
	_, err = w.Write(scratch.Bytes())
	return err
}

// writeFieldsSection emits the per-field metadata blocks followed by the
// field address table, returning the table's offset. fieldDocs carries
// the docs-with-field bitmap per field, persisted so merges can count
// field presence exactly even for documents that produced no postings.
func writeFieldsSection(w *CountHashWriter, fieldsInv []string,
	fieldsOptions []document.IndexingOptions,
	dictLocs, dvStarts, dvEnds, sumLens []uint64,
	fieldDocs []*roaring.Bitmap) (uint64, error) {
	varBuf := make([]byte, binary.MaxVarintLen64)
	fieldAddrs := make([]uint64, len(fieldsInv))

	for fieldID, fieldName := range fieldsInv {
		fieldAddrs[fieldID] = uint64(w.Count())

		n := binary.PutUvarint(varBuf, uint64(len(fieldName)))
		_, err := w.Write(varBuf[:n])
		if err != nil {
			return 0, err
		}
		_, err = w.Write([]byte(fieldName))
		if err != nil {
			return 0, err
		}
		var docCount uint64
		var docsBytes []byte
		if docs := fieldDocs[fieldID]; docs != nil && !docs.IsEmpty() {
			docCount = docs.GetCardinality()
			docsBytes, err = docs.MarshalBinary()
			if err != nil {
				return 0, err
			}
		}
		for _, v := range []uint64{uint64(fieldsOptions[fieldID]),
			dictLocs[fieldID], dvStarts[fieldID], dvEnds[fieldID],
			sumLens[fieldID], docCount, uint64(len(docsBytes))} {
			n := binary.PutUvarint(varBuf, v)
			_, err = w.Write(varBuf[:n])
			if err != nil {
				return 0, err
			}
		}
		_, err = w.Write(docsBytes)
		if err != nil {
			return 0, err
		}
	}

	fieldsIndexOffset := uint64(w.Count())
	offsetBuf := make([]byte, 8)
	for _, addr := range fieldAddrs {
		binary.BigEndian.PutUint64(offsetBuf, addr)
		_, err := w.Write(offsetBuf)
		if err != nil {
			return 0, err
		}
	}
	return fieldsIndexOffset, nil
}

// writeStoredIndex emits the fixed-width stored-field offset table,
// returning its offset.
func writeStoredIndex(w *CountHashWriter, offsets []uint64) (uint64, error) {
	storedIndexOffset := uint64(w.Count())
	offsetBuf := make([]byte, 8)
	for _, offset := range offsets {
		binary.BigEndian.PutUint64(offsetBuf, offset)
		_, err := w.Write(offsetBuf)
		if err != nil {
			return 0, err
		}
	}
	return storedIndexOffset, nil
}

// Persist durably writes a segment's encoded bytes under name, going
// through a temp file and an atomic rename so a crash never leaves a
// partially written segment under the final name.
func Persist(sb *SegmentBase, dir store.Directory, name string) error {
	tmp := name + ".tmp"
	out, err := dir.CreateOutput(tmp)
	if err != nil {
		return err
	}
	_, err = out.Write(sb.mem)
	if err != nil {
		_ = out.Close()
		_ = dir.DeleteFile(tmp)
		return err
	}
	err = out.Sync()
	if err != nil {
		_ = out.Close()
		_ = dir.DeleteFile(tmp)
		return err
	}
	err = out.Close()
	if err != nil {
		_ = dir.DeleteFile(tmp)
		return err
	}
	return dir.Rename(tmp, name)
}
