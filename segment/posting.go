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
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

// DocNumDone is returned by PostingsIterator.Next and Advance when the
// iteration is exhausted.
const DocNumDone = math.MaxUint64

var emptyPostingsList = &PostingsList{}

// Location is one occurrence of a term within a document's field.
type Location struct {
	Pos   uint64
	Start uint64
	End   uint64
}

func (sb *SegmentBase) postingsListFromOffset(postingsOffset uint64,
	except *roaring.Bitmap) (*PostingsList, error) {
	rv := &PostingsList{
		sb:     sb,
		except: except,
	}
	err := rv.read(postingsOffset)
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// PostingsList is the set of documents containing one term, along with
// the encoded frequency/norm and location streams.
type PostingsList struct {
	sb       *SegmentBase
	postings *roaring.Bitmap
	except   *roaring.Bitmap
	freqData []byte
	locData  []byte
}

func (p *PostingsList) read(postingsOffset uint64) error {
	r := newMemUvarintReader(p.sb.mem[postingsOffset:])

	bitmapLen, err := r.ReadUvarint()
	if err != nil {
		return fmt.Errorf("%w: postings bitmap length: %v", ErrCorrupted, err)
	}
	bitmapStart := postingsOffset + uint64(r.i)
	p.postings = roaring.New()
	_, err = p.postings.FromBuffer(p.sb.mem[bitmapStart : bitmapStart+bitmapLen])
	if err != nil {
		return fmt.Errorf("%w: postings bitmap: %v", ErrCorrupted, err)
	}

	r = newMemUvarintReader(p.sb.mem[bitmapStart+bitmapLen:])
	freqLen, err := r.ReadUvarint()
	if err != nil {
		return fmt.Errorf("%w: postings freq length: %v", ErrCorrupted, err)
	}
	freqStart := bitmapStart + bitmapLen + uint64(r.i)
	p.freqData = p.sb.mem[freqStart : freqStart+freqLen]

	r = newMemUvarintReader(p.sb.mem[freqStart+freqLen:])
	locLen, err := r.ReadUvarint()
	if err != nil {
		return fmt.Errorf("%w: postings loc length: %v", ErrCorrupted, err)
	}
	if locLen > 0 {
		locStart := freqStart + freqLen + uint64(r.i)
		p.locData = p.sb.mem[locStart : locStart+locLen]
	}
	return nil
}

// Count returns the number of live documents in the postings.
func (p *PostingsList) Count() uint64 {
	if p.postings == nil {
		return 0
	}
	n := p.postings.GetCardinality()
	if p.except != nil {
		n -= p.postings.AndCardinality(p.except)
	}
	return n
}

// DocFreq returns the document frequency irrespective of deletions,
// which is what collection statistics use.
func (p *PostingsList) DocFreq() uint64 {
	if p.postings == nil {
		return 0
	}
	return p.postings.GetCardinality()
}

// OrInto unions the live documents of the postings into bm.
func (p *PostingsList) OrInto(bm *roaring.Bitmap) {
	if p.postings == nil {
		return
	}
	if p.except != nil && !p.except.IsEmpty() {
		bm.Or(roaring.AndNot(p.postings, p.except))
		return
	}
	bm.Or(p.postings)
}

// Iterator returns an iterator over the live documents of the postings.
// includeFreqNorm decodes term frequency and field length; includeLocs
// additionally decodes term locations.
func (p *PostingsList) Iterator(includeFreqNorm, includeLocs bool) *PostingsIterator {
	if p.postings == nil {
		return &PostingsIterator{}
	}

	rv := &PostingsIterator{
		postings:        p,
		includeFreqNorm: includeFreqNorm,
		includeLocs:     includeLocs && p.locData != nil,
		currChunk:       math.MaxUint64,
	}

	actualBM := p.postings
	if p.except != nil {
		actualBM = roaring.AndNot(p.postings, p.except)
	}
	rv.actualBM = actualBM
	rv.actual = actualBM.Iterator()
	rv.all = p.postings.Iterator()

	if includeFreqNorm && p.freqData != nil {
		var err error
		rv.freqDec, err = newChunkedIntDecoder(p.freqData)
		if err != nil {
			rv.err = fmt.Errorf("%w: freq chunks: %v", ErrCorrupted, err)
			return rv
		}
		if rv.includeLocs {
			rv.locDec, err = newChunkedIntDecoder(p.locData)
			if err != nil {
				rv.err = fmt.Errorf("%w: loc chunks: %v", ErrCorrupted, err)
				return rv
			}
		}
	} else {
		rv.includeFreqNorm = false
	}
	return rv
}

// PostingsIterator steps through a postings list in increasing document
// order. Advance uses the chunk table to jump without decoding skipped
// chunks.
type PostingsIterator struct {
	postings *PostingsList
	all      roaring.IntPeekable
	actual   roaring.IntPeekable
	actualBM *roaring.Bitmap

	freqDec *chunkedIntDecoder
	locDec  *chunkedIntDecoder

	includeFreqNorm bool
	includeLocs     bool

	currChunk   uint64
	curDocNum   uint64
	curFreq     uint64
	curFieldLen uint64
	curLocs     []Location

	err error
}

// Next returns the next document number, or DocNumDone.
func (i *PostingsIterator) Next() (uint64, error) {
	return i.nextAtOrAfter(0)
}

// Advance returns the first document number >= docNum, or DocNumDone.
func (i *PostingsIterator) Advance(docNum uint64) (uint64, error) {
	return i.nextAtOrAfter(docNum)
}

func (i *PostingsIterator) nextAtOrAfter(atOrAfter uint64) (uint64, error) {
	if i.err != nil {
		return DocNumDone, i.err
	}
	if i.actual == nil || !i.actual.HasNext() {
		return DocNumDone, nil
	}
	if atOrAfter > 0 && atOrAfter <= math.MaxUint32 {
		i.actual.AdvanceIfNeeded(uint32(atOrAfter))
	} else if atOrAfter > math.MaxUint32 {
		return DocNumDone, nil
	}
	if !i.actual.HasNext() {
		return DocNumDone, nil
	}

	n := uint64(i.actual.Next())
	if i.includeFreqNorm {
		err := i.syncTo(n)
		if err != nil {
			i.err = err
			return DocNumDone, err
		}
		err = i.readFreqNormLocs()
		if err != nil {
			i.err = err
			return DocNumDone, err
		}
	}
	i.curDocNum = n
	return n, nil
}

// syncTo positions the freq/loc decoders at document n's entry, skipping
// the entries of intervening documents within the target chunk.
func (i *PostingsIterator) syncTo(n uint64) error {
	chunkFactor := uint64(i.postings.sb.chunkFactor)
	chunk := n / chunkFactor
	if chunk != i.currChunk {
		err := i.freqDec.loadChunk(chunk)
		if err != nil {
			return err
		}
		if i.locDec != nil {
			err = i.locDec.loadChunk(chunk)
			if err != nil {
				return err
			}
		}
		start := chunk * chunkFactor
		if start <= math.MaxUint32 {
			i.all.AdvanceIfNeeded(uint32(start))
		}
		i.currChunk = chunk
	}

	for i.all.HasNext() {
		allN := uint64(i.all.Next())
		if allN == n {
			return nil
		}
		err := i.skipFreqNormLocs()
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: doc %d missing from postings stream", ErrCorrupted, n)
}

func (i *PostingsIterator) readFreqHasLocs() (uint64, bool, error) {
	v, err := i.freqDec.readUvarint()
	if err != nil {
		return 0, false, err
	}
	return v >> 1, v&1 != 0, nil
}

func (i *PostingsIterator) readFreqNormLocs() error {
	freq, hasLocs, err := i.readFreqHasLocs()
	if err != nil {
		return err
	}
	fieldLen, err := i.freqDec.readUvarint()
	if err != nil {
		return err
	}
	i.curFreq = freq
	i.curFieldLen = fieldLen

	if hasLocs && i.locDec != nil {
		if cap(i.curLocs) < int(freq) {
			i.curLocs = make([]Location, freq)
		}
		i.curLocs = i.curLocs[:freq]
		for j := uint64(0); j < freq; j++ {
			err = i.readLocation(&i.curLocs[j])
			if err != nil {
				return err
			}
		}
	} else {
		i.curLocs = i.curLocs[:0]
	}
	return nil
}

func (i *PostingsIterator) readLocation(l *Location) error {
	pos, err := i.locDec.readUvarint()
	if err != nil {
		return err
	}
	start, err := i.locDec.readUvarint()
	if err != nil {
		return err
	}
	end, err := i.locDec.readUvarint()
	if err != nil {
		return err
	}
	l.Pos = pos
	l.Start = start
	l.End = end
	return nil
}

func (i *PostingsIterator) skipFreqNormLocs() error {
	freq, hasLocs, err := i.readFreqHasLocs()
	if err != nil {
		return err
	}
	err = i.freqDec.SkipUvarint() // field length
	if err != nil {
		return err
	}
	if hasLocs && i.locDec != nil {
		for j := uint64(0); j < freq*3; j++ {
			err = i.locDec.SkipUvarint()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// DocNum returns the current document number.
func (i *PostingsIterator) DocNum() uint64 { return i.curDocNum }

// Freq returns the current document's term frequency.
func (i *PostingsIterator) Freq() uint64 { return i.curFreq }

// FieldLength returns the analyzed token count of the current document's
// field, used for length normalization.
func (i *PostingsIterator) FieldLength() uint64 { return i.curFieldLen }

// Locations returns the current document's term locations; valid until
// the next call to Next or Advance. Empty unless the iterator was opened
// with includeLocs and the field recorded positions.
func (i *PostingsIterator) Locations() []Location { return i.curLocs }

// Count estimates the number of documents this iterator will produce.
func (i *PostingsIterator) Count() uint64 {
	if i.actualBM == nil {
		return 0
	}
	return i.actualBM.GetCardinality()
}
