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
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"
	"github.com/golang/snappy"

	"github.com/blevesearch/fathom/document"
)

// New builds an in-memory SegmentBase from a batch of analyzed documents,
// assigning local doc numbers in insertion order. Token streams are
// consumed exactly once.
func New(results []document.Document, chunkFactor uint32) (*SegmentBase, error) {
	if chunkFactor == 0 {
		chunkFactor = DefaultChunkFactor
	}
	s := &interim{
		results:     results,
		chunkFactor: chunkFactor,
	}

	var br bytes.Buffer
	s.w = NewCountHashWriter(&br)

	err := s.convert()
	if err != nil {
		return nil, err
	}

	return initSegmentBase(br.Bytes(), s.crc, chunkFactor,
		uint64(len(results)), s.storedIndexOffset, s.fieldsIndexOffset)
}

// interimPosting accumulates one term's postings during the build.
type interimPosting struct {
	docs  *roaring.Bitmap
	freqs []uint64
	lens  []uint64
	locs  [][]Location
}

type interimStoredField struct {
	fieldID uint16
	typ     document.ValueType
	value   []byte
}

type interimDocValue struct {
	docNum uint64
	value  []byte // type byte + raw bytes
}

// interim holds the in-progress state of one segment build.
type interim struct {
	results     []document.Document
	chunkFactor uint32
	w           *CountHashWriter

	fieldsMap     map[string]uint16 // fieldName -> fieldID+1
	fieldsInv     []string
	fieldsOptions []document.IndexingOptions

	postings  []map[string]*interimPosting // fieldID -> term -> posting
	fieldLens [][]uint64                   // fieldID -> docNum -> analyzed length
	fieldDocs []*roaring.Bitmap            // fieldID -> docs carrying the field

	stored    [][]interimStoredField // docNum -> stored entries
	docValues []([]interimDocValue)  // fieldID -> ascending docNum values

	storedIndexOffset uint64
	fieldsIndexOffset uint64
	crc               uint32
}

func (s *interim) convert() error {
	s.prepareFields()

	for docNum, doc := range s.results {
		err := s.processDocument(uint64(docNum), doc)
		if err != nil {
			return err
		}
	}

	err := s.writeStoredFields()
	if err != nil {
		return err
	}

	dictLocs, err := s.writeDicts()
	if err != nil {
		return err
	}

	dvStarts, dvEnds, err := s.writeDocValues()
	if err != nil {
		return err
	}

	err = s.writeFields(dictLocs, dvStarts, dvEnds)
	if err != nil {
		return err
	}

	s.crc, err = writeFooter(s.w, s.chunkFactor, uint64(len(s.results)),
		s.storedIndexOffset, s.fieldsIndexOffset)
	return err
}

// prepareFields assigns stable field ids in first-seen order and unions
// the indexing options observed per field. Narrowing conflicts are the
// writer's job to reject before documents reach the builder.
func (s *interim) prepareFields() {
	s.fieldsMap = make(map[string]uint16)
	for _, doc := range s.results {
		for _, field := range doc.Fields {
			fieldID, ok := s.fieldsMap[field.Name]
			if !ok {
				s.fieldsInv = append(s.fieldsInv, field.Name)
				s.fieldsOptions = append(s.fieldsOptions, field.Options)
				fieldID = uint16(len(s.fieldsInv))
				s.fieldsMap[field.Name] = fieldID
			} else {
				s.fieldsOptions[fieldID-1] |= field.Options
			}
		}
	}

	numFields := len(s.fieldsInv)
	numDocs := len(s.results)
	s.postings = make([]map[string]*interimPosting, numFields)
	s.fieldLens = make([][]uint64, numFields)
	s.fieldDocs = make([]*roaring.Bitmap, numFields)
	s.docValues = make([][]interimDocValue, numFields)
	for i := 0; i < numFields; i++ {
		s.postings[i] = make(map[string]*interimPosting)
		s.fieldLens[i] = make([]uint64, numDocs)
		s.fieldDocs[i] = roaring.New()
	}
	s.stored = make([][]interimStoredField, numDocs)
}

func (s *interim) processDocument(docNum uint64, doc document.Document) error {
	occsByField := make(map[uint16]map[string]*occurrence)
	for _, field := range doc.Fields {
		fieldID := s.fieldsMap[field.Name] - 1

		if field.Options.IsStored() {
			s.stored[docNum] = append(s.stored[docNum], interimStoredField{
				fieldID: fieldID,
				typ:     field.Type,
				value:   field.Value,
			})
		}

		if field.Options.HasDocValues() {
			// first value wins for repeated instances of a field
			existing := s.docValues[fieldID]
			if len(existing) == 0 || existing[len(existing)-1].docNum != docNum {
				dv := make([]byte, 0, len(field.Value)+1)
				dv = append(dv, byte(field.Type))
				dv = append(dv, field.Value...)
				s.docValues[fieldID] = append(existing, interimDocValue{
					docNum: docNum,
					value:  dv,
				})
			}
		}

		if field.Options.IsIndexed() && field.Tokens != nil {
			// accumulated across repeated instances of the same
			// field within the document, flushed once below
			err := s.consumeTokens(docNum, fieldID, field, occsByField)
			if err != nil {
				return err
			}
		}
	}

	for fieldID, occs := range occsByField {
		s.flushFieldOccurrences(docNum, fieldID, occs)
	}
	return nil
}

type occurrence struct {
	freq uint64
	locs []Location
}

func (s *interim) consumeTokens(docNum uint64, fieldID uint16,
	field document.Field, occsByField map[uint16]map[string]*occurrence) error {
	includeLocs := field.Options.IncludePositions()

	occs, ok := occsByField[fieldID]
	if !ok {
		occs = make(map[string]*occurrence)
		occsByField[fieldID] = occs
	}

	var fieldLen uint64
	for {
		tok, err := field.Tokens.Next()
		if err != nil {
			return err
		}
		if tok == nil {
			break
		}
		fieldLen++
		term := string(tok.Term)
		occ, found := occs[term]
		if !found {
			occ = &occurrence{}
			occs[term] = occ
		}
		occ.freq++
		if includeLocs {
			occ.locs = append(occ.locs, Location{
				Pos:   uint64(tok.Position),
				Start: uint64(tok.Start),
				End:   uint64(tok.End),
			})
		}
	}

	s.fieldLens[fieldID][docNum] += fieldLen
	s.fieldDocs[fieldID].Add(uint32(docNum))
	return nil
}

func (s *interim) flushFieldOccurrences(docNum uint64, fieldID uint16,
	occs map[string]*occurrence) {
	fieldPostings := s.postings[fieldID]
	for term, occ := range occs {
		p, ok := fieldPostings[term]
		if !ok {
			p = &interimPosting{docs: roaring.New()}
			fieldPostings[term] = p
		}
		p.docs.Add(uint32(docNum))
		p.freqs = append(p.freqs, occ.freq)
		p.lens = append(p.lens, 0) // fixed up at write time, once totals are known
		p.locs = append(p.locs, occ.locs)
	}
}

func (s *interim) writeStoredFields() error {
	var metaBuf bytes.Buffer
	var data, compressed []byte
	varBuf := make([]byte, binary.MaxVarintLen64)

	docStoredOffsets := make([]uint64, len(s.results))

	for docNum := range s.results {
		metaBuf.Reset()
		data = data[:0]

		for _, sf := range s.stored[docNum] {
			for _, v := range []uint64{uint64(sf.fieldID), uint64(sf.typ),
				uint64(len(data)), uint64(len(sf.value))} {
				n := binary.PutUvarint(varBuf, v)
				_, err := metaBuf.Write(varBuf[:n])
				if err != nil {
					return err
				}
			}
			data = append(data, sf.value...)
		}

		docStoredOffsets[docNum] = uint64(s.w.Count())

		metaBytes := metaBuf.Bytes()
		compressed = snappy.Encode(compressed[:cap(compressed)], data)

		n := binary.PutUvarint(varBuf, uint64(len(metaBytes)))
		_, err := s.w.Write(varBuf[:n])
		if err != nil {
			return err
		}
		n = binary.PutUvarint(varBuf, uint64(len(compressed)))
		_, err = s.w.Write(varBuf[:n])
		if err != nil {
			return err
		}
		_, err = s.w.Write(metaBytes)
		if err != nil {
			return err
		}
		_, err = s.w.Write(compressed)
		if err != nil {
			return err
		}
	}

	var err error
	s.storedIndexOffset, err = writeStoredIndex(s.w, docStoredOffsets)
	return err
}

func (s *interim) writeDicts() ([]uint64, error) {
	dictLocs := make([]uint64, len(s.fieldsInv))
	maxDocNum := uint64(len(s.results))

	freqCoder := newChunkedIntCoder(uint64(s.chunkFactor), maxDocNum)
	locCoder := newChunkedIntCoder(uint64(s.chunkFactor), maxDocNum)

	var fstBuf bytes.Buffer
	var scratch bytes.Buffer
	varBuf := make([]byte, binary.MaxVarintLen64)

	for fieldID := range s.fieldsInv {
		if !s.fieldsOptions[fieldID].IsIndexed() {
			continue
		}
		fieldPostings := s.postings[fieldID]

		terms := make([]string, 0, len(fieldPostings))
		for term := range fieldPostings {
			terms = append(terms, term)
		}
		sort.Strings(terms)

		fstBuf.Reset()
		builder, err := vellum.New(&fstBuf, nil)
		if err != nil {
			return nil, err
		}

		for _, term := range terms {
			p := fieldPostings[term]
			postingsOffset := uint64(s.w.Count())

			// fix up per-posting field lengths now that totals are known
			itr := p.docs.Iterator()
			for i := 0; itr.HasNext(); i++ {
				docNum := uint64(itr.Next())
				p.lens[i] = s.fieldLens[fieldID][docNum]
			}

			err = s.writePostings(p, freqCoder, locCoder, &scratch, varBuf)
			if err != nil {
				return nil, err
			}
			err = builder.Insert([]byte(term), postingsOffset)
			if err != nil {
				return nil, err
			}
		}

		err = builder.Close()
		if err != nil {
			return nil, err
		}

		dictLocs[fieldID] = uint64(s.w.Count())
		n := binary.PutUvarint(varBuf, uint64(fstBuf.Len()))
		_, err = s.w.Write(varBuf[:n])
		if err != nil {
			return nil, err
		}
		_, err = s.w.Write(fstBuf.Bytes())
		if err != nil {
			return nil, err
		}
	}
	return dictLocs, nil
}

// writePostings emits one term's postings blob: the serialized doc-id
// bitmap, the chunked freq/norm stream and the chunked locations stream,
// each length-prefixed.
func (s *interim) writePostings(p *interimPosting, freqCoder, locCoder *chunkedIntCoder,
	scratch *bytes.Buffer, varBuf []byte) error {
	freqCoder.Reset()
	locCoder.Reset()

	hasAnyLocs := false
	itr := p.docs.Iterator()
	for i := 0; itr.HasNext(); i++ {
		docNum := uint64(itr.Next())
		locs := p.locs[i]
		hasLocs := uint64(0)
		if len(locs) > 0 {
			hasLocs = 1
			hasAnyLocs = true
		}
		err := freqCoder.Add(docNum, p.freqs[i]<<1|hasLocs, p.lens[i])
		if err != nil {
			return err
		}
		for _, loc := range locs {
			err = locCoder.Add(docNum, loc.Pos, loc.Start, loc.End)
			if err != nil {
				return err
			}
		}
	}
	freqCoder.Close()
	locCoder.Close()

	return writePostingsBlob(s.w, p.docs, freqCoder, locCoder, hasAnyLocs,
		scratch, varBuf)
}

func (s *interim) writeDocValues() ([]uint64, []uint64, error) {
	dvStarts := make([]uint64, len(s.fieldsInv))
	dvEnds := make([]uint64, len(s.fieldsInv))

	for fieldID := range s.fieldsInv {
		if len(s.docValues[fieldID]) == 0 {
			dvStarts[fieldID] = fieldNotUninverted
			dvEnds[fieldID] = fieldNotUninverted
			continue
		}
		dvStarts[fieldID] = uint64(s.w.Count())
		coder := newChunkedContentCoder(uint64(s.chunkFactor), uint64(len(s.results)))
		for _, dv := range s.docValues[fieldID] {
			err := coder.Add(dv.docNum, dv.value)
			if err != nil {
				return nil, nil, err
			}
		}
		err := coder.Close()
		if err != nil {
			return nil, nil, err
		}
		_, err = coder.Write(s.w)
		if err != nil {
			return nil, nil, err
		}
		dvEnds[fieldID] = uint64(s.w.Count())
	}
	return dvStarts, dvEnds, nil
}

func (s *interim) writeFields(dictLocs, dvStarts, dvEnds []uint64) error {
	sumLens := make([]uint64, len(s.fieldsInv))
	for fieldID := range s.fieldsInv {
		for _, l := range s.fieldLens[fieldID] {
			sumLens[fieldID] += l
		}
	}

	var err error
	s.fieldsIndexOffset, err = writeFieldsSection(s.w, s.fieldsInv,
		s.fieldsOptions, dictLocs, dvStarts, dvEnds, sumLens, s.fieldDocs)
	return err
}
