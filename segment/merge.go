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
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"
	"github.com/golang/snappy"

	"github.com/blevesearch/fathom/document"
)

// DocDropped marks a source document that does not survive a merge.
const DocDropped = math.MaxUint64

// Merge combines the source segments into one new in-memory segment,
// physically dropping the documents marked in drops (one bitmap per
// source, nil allowed) and renumbering survivors contiguously, sources
// concatenated in order. It returns the merged segment and, per source,
// the mapping from old local doc number to new (DocDropped for removed
// documents).
func Merge(segments []*SegmentBase, drops []*roaring.Bitmap,
	chunkFactor uint32) (*SegmentBase, [][]uint64, error) {
	if chunkFactor == 0 {
		chunkFactor = DefaultChunkFactor
	}

	newDocNums := make([][]uint64, len(segments))
	var numDocs uint64
	for i, sb := range segments {
		nums := make([]uint64, sb.numDocs)
		for d := uint64(0); d < sb.numDocs; d++ {
			if drops[i] != nil && drops[i].Contains(uint32(d)) {
				nums[d] = DocDropped
			} else {
				nums[d] = numDocs
				numDocs++
			}
		}
		newDocNums[i] = nums
	}

	m := &merger{
		segments:    segments,
		drops:       drops,
		newDocNums:  newDocNums,
		numDocs:     numDocs,
		chunkFactor: chunkFactor,
	}

	var br bytes.Buffer
	m.w = NewCountHashWriter(&br)

	err := m.run()
	if err != nil {
		return nil, nil, err
	}

	sb, err := initSegmentBase(br.Bytes(), m.crc, chunkFactor, numDocs,
		m.storedIndexOffset, m.fieldsIndexOffset)
	if err != nil {
		return nil, nil, err
	}
	return sb, newDocNums, nil
}

type merger struct {
	segments    []*SegmentBase
	drops       []*roaring.Bitmap
	newDocNums  [][]uint64
	numDocs     uint64
	chunkFactor uint32

	w *CountHashWriter

	fieldsMap     map[string]uint16
	fieldsInv     []string
	fieldsOptions []document.IndexingOptions

	storedIndexOffset uint64
	fieldsIndexOffset uint64
	crc               uint32
}

func (m *merger) run() error {
	m.mergeFieldSchemas()

	err := m.mergeStoredFields()
	if err != nil {
		return err
	}

	dictLocs, sumLens, err := m.mergePostings()
	if err != nil {
		return err
	}

	dvStarts, dvEnds, err := m.mergeDocValues()
	if err != nil {
		return err
	}

	m.fieldsIndexOffset, err = writeFieldsSection(m.w, m.fieldsInv,
		m.fieldsOptions, dictLocs, dvStarts, dvEnds, sumLens, m.mergeFieldDocs())
	if err != nil {
		return err
	}

	m.crc, err = writeFooter(m.w, m.chunkFactor, m.numDocs,
		m.storedIndexOffset, m.fieldsIndexOffset)
	return err
}

// mergeFieldSchemas unions source field schemas, assigning field ids in
// first-seen order across sources.
func (m *merger) mergeFieldSchemas() {
	m.fieldsMap = make(map[string]uint16)
	for _, sb := range m.segments {
		for fieldID, fieldName := range sb.fieldsInv {
			id, ok := m.fieldsMap[fieldName]
			if !ok {
				m.fieldsInv = append(m.fieldsInv, fieldName)
				m.fieldsOptions = append(m.fieldsOptions, sb.fieldsOptions[fieldID])
				m.fieldsMap[fieldName] = uint16(len(m.fieldsInv))
			} else {
				m.fieldsOptions[id-1] |= sb.fieldsOptions[fieldID]
			}
		}
	}
}

func (m *merger) mergeStoredFields() error {
	var metaBuf bytes.Buffer
	var data, compressed []byte
	varBuf := make([]byte, binary.MaxVarintLen64)

	storedOffsets := make([]uint64, 0, m.numDocs)

	for segIdx, sb := range m.segments {
		for d := uint64(0); d < sb.numDocs; d++ {
			if m.newDocNums[segIdx][d] == DocDropped {
				continue
			}
			metaBuf.Reset()
			data = data[:0]

			var visitErr error
			err := sb.VisitStoredFields(d, func(field string,
				typ document.ValueType, value []byte) bool {
				newFieldID := uint64(m.fieldsMap[field] - 1)
				for _, v := range []uint64{newFieldID, uint64(typ),
					uint64(len(data)), uint64(len(value))} {
					n := binary.PutUvarint(varBuf, v)
					_, visitErr = metaBuf.Write(varBuf[:n])
					if visitErr != nil {
						return false
					}
				}
				data = append(data, value...)
				return true
			})
			if err != nil {
				return err
			}
			if visitErr != nil {
				return visitErr
			}

			storedOffsets = append(storedOffsets, uint64(m.w.Count()))

			metaBytes := metaBuf.Bytes()
			compressed = snappy.Encode(compressed[:cap(compressed)], data)

			n := binary.PutUvarint(varBuf, uint64(len(metaBytes)))
			_, err = m.w.Write(varBuf[:n])
			if err != nil {
				return err
			}
			n = binary.PutUvarint(varBuf, uint64(len(compressed)))
			_, err = m.w.Write(varBuf[:n])
			if err != nil {
				return err
			}
			_, err = m.w.Write(metaBytes)
			if err != nil {
				return err
			}
			_, err = m.w.Write(compressed)
			if err != nil {
				return err
			}
		}
	}

	var err error
	m.storedIndexOffset, err = writeStoredIndex(m.w, storedOffsets)
	return err
}

// mergeFieldDocs remaps and unions the per-field docs-with-field bitmaps
// of the sources. The source bitmaps track every document that carried
// the field, including ones whose token stream was empty, so deriving
// the count from postings instead would undercount and skew the average
// field length.
func (m *merger) mergeFieldDocs() []*roaring.Bitmap {
	rv := make([]*roaring.Bitmap, len(m.fieldsInv))
	for i := range rv {
		rv[i] = roaring.New()
	}
	for segIdx, sb := range m.segments {
		for srcID, fieldName := range sb.fieldsInv {
			merged := rv[m.fieldsMap[fieldName]-1]
			itr := sb.fieldDocs[srcID].Iterator()
			for itr.HasNext() {
				nd := m.newDocNums[segIdx][uint64(itr.Next())]
				if nd != DocDropped {
					merged.Add(uint32(nd))
				}
			}
		}
	}
	return rv
}

func (m *merger) mergePostings() (dictLocs, sumLens []uint64, err error) {
	numFields := len(m.fieldsInv)
	dictLocs = make([]uint64, numFields)
	sumLens = make([]uint64, numFields)

	freqCoder := newChunkedIntCoder(uint64(m.chunkFactor), m.numDocs)
	locCoder := newChunkedIntCoder(uint64(m.chunkFactor), m.numDocs)

	var fstBuf bytes.Buffer
	var scratch bytes.Buffer
	varBuf := make([]byte, binary.MaxVarintLen64)

	for fieldID, fieldName := range m.fieldsInv {
		if !m.fieldsOptions[fieldID].IsIndexed() {
			continue
		}

		var itrs []vellum.Iterator
		var itrSegIdxs []int
		for segIdx, sb := range m.segments {
			dict, derr := sb.Dictionary(fieldName)
			if derr != nil {
				return nil, nil, derr
			}
			if dict == nil {
				continue
			}
			itr, ierr := dict.fst.Iterator(nil, nil)
			if ierr == vellum.ErrIteratorDone {
				continue
			}
			if ierr != nil {
				return nil, nil, ierr
			}
			itrs = append(itrs, itr)
			itrSegIdxs = append(itrSegIdxs, segIdx)
		}
		if len(itrs) == 0 {
			continue
		}

		fstBuf.Reset()
		builder, berr := vellum.New(&fstBuf, nil)
		if berr != nil {
			return nil, nil, berr
		}

		seen := roaring.New()
		newDocs := roaring.New()
		freqCoder.Reset()
		locCoder.Reset()
		hasAnyLocs := false
		var prevTerm []byte

		finishTerm := func() error {
			if prevTerm == nil {
				return nil
			}
			freqCoder.Close()
			locCoder.Close()
			postingsOffset := uint64(m.w.Count())
			werr := writePostingsBlob(m.w, newDocs, freqCoder, locCoder,
				hasAnyLocs, &scratch, varBuf)
			if werr != nil {
				return werr
			}
			werr = builder.Insert(prevTerm, postingsOffset)
			if werr != nil {
				return werr
			}
			newDocs = roaring.New()
			freqCoder.Reset()
			locCoder.Reset()
			hasAnyLocs = false
			return nil
		}

		en, eerr := newEnumerator(itrs)
		for eerr == nil {
			term, itrI, postingsOffset := en.Current()
			if prevTerm != nil && !bytes.Equal(term, prevTerm) {
				ferr := finishTerm()
				if ferr != nil {
					return nil, nil, ferr
				}
			}
			segIdx := itrSegIdxs[itrI]
			sb := m.segments[segIdx]

			pl, perr := sb.postingsListFromOffset(postingsOffset, m.drops[segIdx])
			if perr != nil {
				return nil, nil, perr
			}
			pItr := pl.Iterator(true, true)
			for {
				docNum, nerr := pItr.Next()
				if nerr != nil {
					return nil, nil, nerr
				}
				if docNum == DocNumDone {
					break
				}
				nd := m.newDocNums[segIdx][docNum]
				locs := pItr.Locations()
				hasLocs := uint64(0)
				if len(locs) > 0 {
					hasLocs = 1
					hasAnyLocs = true
				}
				aerr := freqCoder.Add(nd, pItr.Freq()<<1|hasLocs, pItr.FieldLength())
				if aerr != nil {
					return nil, nil, aerr
				}
				for _, loc := range locs {
					aerr = locCoder.Add(nd, loc.Pos, loc.Start, loc.End)
					if aerr != nil {
						return nil, nil, aerr
					}
				}
				newDocs.Add(uint32(nd))
				if !seen.Contains(uint32(nd)) {
					seen.Add(uint32(nd))
					sumLens[fieldID] += pItr.FieldLength()
				}
			}

			prevTerm = append(prevTerm[:0], term...)
			eerr = en.Next()
		}
		if eerr != vellum.ErrIteratorDone {
			return nil, nil, eerr
		}
		ferr := finishTerm()
		if ferr != nil {
			return nil, nil, ferr
		}
		cerr := en.Close()
		if cerr != nil {
			return nil, nil, cerr
		}

		berr = builder.Close()
		if berr != nil {
			return nil, nil, berr
		}
		dictLocs[fieldID] = uint64(m.w.Count())
		n := binary.PutUvarint(varBuf, uint64(fstBuf.Len()))
		_, werr := m.w.Write(varBuf[:n])
		if werr != nil {
			return nil, nil, werr
		}
		_, werr = m.w.Write(fstBuf.Bytes())
		if werr != nil {
			return nil, nil, werr
		}
	}
	return dictLocs, sumLens, nil
}

func (m *merger) mergeDocValues() (dvStarts, dvEnds []uint64, err error) {
	numFields := len(m.fieldsInv)
	dvStarts = make([]uint64, numFields)
	dvEnds = make([]uint64, numFields)

	for fieldID, fieldName := range m.fieldsInv {
		start := uint64(m.w.Count())
		coder := newChunkedContentCoder(uint64(m.chunkFactor), m.numDocs)
		var wrote bool

		for segIdx, sb := range m.segments {
			iterErr := sb.dvIterate(fieldName, func(docNum uint64, value []byte) error {
				nd := m.newDocNums[segIdx][docNum]
				if nd == DocDropped {
					return nil
				}
				wrote = true
				return coder.Add(nd, value)
			})
			if iterErr != nil {
				return nil, nil, iterErr
			}
		}

		if !wrote {
			dvStarts[fieldID] = fieldNotUninverted
			dvEnds[fieldID] = fieldNotUninverted
			continue
		}
		err = coder.Close()
		if err != nil {
			return nil, nil, err
		}
		_, err = coder.Write(m.w)
		if err != nil {
			return nil, nil, err
		}
		dvStarts[fieldID] = start
		dvEnds[fieldID] = uint64(m.w.Count())
	}
	return dvStarts, dvEnds, nil
}
