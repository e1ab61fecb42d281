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

package search

import "github.com/RoaringBitmap/roaring/v2"

// rangeWeight walks the field's term dictionary over the requested byte
// range and unions the matching postings into one bitmap, scored at a
// constant boost per document.
type rangeWeight struct {
	q     *RangeQuery
	boost float64
}

func (w *rangeWeight) Scorer(seg SegmentReader) (Scorer, error) {
	dict, err := seg.Dictionary(w.q.Field)
	if err != nil {
		return nil, err
	}
	if dict == nil {
		return nil, nil
	}

	// the dictionary iterates [start, end); shift exclusive-lower and
	// inclusive-upper bounds by the smallest byte suffix
	var start, end []byte
	if w.q.Lower != nil {
		start = w.q.Lower
		if !w.q.InclusiveLower {
			start = append(append([]byte(nil), w.q.Lower...), 0)
		}
	}
	if w.q.Upper != nil {
		end = w.q.Upper
		if w.q.InclusiveUpper {
			end = append(append([]byte(nil), w.q.Upper...), 0)
		}
	}

	docs := roaring.New()
	itr := dict.Iterator(start, end)
	entry, err := itr.Next()
	for err == nil && entry != nil {
		pl, perr := itr.PostingsForEntry(entry, seg.Deleted())
		if perr != nil {
			return nil, perr
		}
		pl.OrInto(docs)
		entry, err = itr.Next()
	}
	if err != nil {
		return nil, err
	}
	if docs.IsEmpty() {
		return nil, nil
	}
	return newBitmapScorer(docs, w.boost), nil
}

// bitmapScorer iterates a fixed document set with a constant score.
type bitmapScorer struct {
	docs  *roaring.Bitmap
	itr   roaring.IntPeekable
	boost float64
	doc   uint64
}

func newBitmapScorer(docs *roaring.Bitmap, boost float64) *bitmapScorer {
	return &bitmapScorer{
		docs:  docs,
		itr:   docs.Iterator(),
		boost: boost,
	}
}

func (s *bitmapScorer) NextDoc() (uint64, error) {
	if !s.itr.HasNext() {
		s.doc = DocDone
		return DocDone, nil
	}
	s.doc = uint64(s.itr.Next())
	return s.doc, nil
}

func (s *bitmapScorer) Advance(target uint64) (uint64, error) {
	if target > uint64(^uint32(0)) {
		s.doc = DocDone
		return DocDone, nil
	}
	s.itr.AdvanceIfNeeded(uint32(target))
	return s.NextDoc()
}

func (s *bitmapScorer) DocID() uint64 { return s.doc }

func (s *bitmapScorer) Score() float64 { return s.boost }

func (s *bitmapScorer) Cost() uint64 { return s.docs.GetCardinality() }
