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

import (
	"fmt"
	"sort"

	"github.com/blevesearch/fathom/segment"
)

type phraseWeight struct {
	field       string
	terms       [][]byte
	boost       float64
	sim         Similarity
	idf         float64
	avgFieldLen float64
}

func (w *phraseWeight) Scorer(seg SegmentReader) (Scorer, error) {
	dict, err := seg.Dictionary(w.field)
	if err != nil {
		return nil, err
	}
	if dict == nil {
		return nil, nil
	}
	if !dict.FieldOptions().IncludePositions() {
		return nil, fmt.Errorf("field %q indexed without positions", w.field)
	}

	itrs := make([]*segment.PostingsIterator, len(w.terms))
	cost := uint64(DocDone)
	for i, term := range w.terms {
		pl, err := dict.PostingsList(term, seg.Deleted())
		if err != nil {
			return nil, err
		}
		count := pl.Count()
		if count == 0 {
			return nil, nil
		}
		if count < cost {
			cost = count
		}
		itrs[i] = pl.Iterator(true, true)
	}

	// position every iterator but the lead on its first match
	for _, itr := range itrs[1:] {
		doc, err := itr.Next()
		if err != nil {
			return nil, err
		}
		if doc == segment.DocNumDone {
			return nil, nil
		}
	}

	return &phraseScorer{itrs: itrs, cost: cost, w: w}, nil
}

// phraseScorer intersects the term iterators and, on each aligned doc,
// keeps it only when the terms occur at consecutive positions. The
// number of such occurrences is the term frequency fed into scoring.
type phraseScorer struct {
	itrs []*segment.PostingsIterator
	cost uint64
	w    *phraseWeight
	doc  uint64
	freq uint64
}

func (s *phraseScorer) NextDoc() (uint64, error) {
	doc, err := s.itrs[0].Next()
	if err != nil {
		return DocDone, err
	}
	return s.align(doc)
}

func (s *phraseScorer) Advance(target uint64) (uint64, error) {
	doc, err := s.itrs[0].Advance(target)
	if err != nil {
		return DocDone, err
	}
	return s.align(doc)
}

func (s *phraseScorer) align(doc uint64) (uint64, error) {
	var err error
	for doc != DocDone {
		aligned := true
		for _, itr := range s.itrs[1:] {
			od := itr.DocNum()
			if od < doc {
				od, err = itr.Advance(doc)
				if err != nil {
					return DocDone, err
				}
			}
			if od == DocDone {
				s.doc = DocDone
				return DocDone, nil
			}
			if od != doc {
				doc, err = s.itrs[0].Advance(od)
				if err != nil {
					return DocDone, err
				}
				aligned = false
				break
			}
		}
		if aligned {
			if f := s.phraseFreq(); f > 0 {
				s.freq = f
				break
			}
			doc, err = s.itrs[0].Next()
			if err != nil {
				return DocDone, err
			}
		}
	}
	s.doc = doc
	return doc, nil
}

// phraseFreq counts starting positions p in the current doc such that
// term i occurs at position p+i for every i.
func (s *phraseScorer) phraseFreq() uint64 {
	var freq uint64
	for _, loc := range s.itrs[0].Locations() {
		match := true
		for i := 1; i < len(s.itrs); i++ {
			if !hasPosition(s.itrs[i].Locations(), loc.Pos+uint64(i)) {
				match = false
				break
			}
		}
		if match {
			freq++
		}
	}
	return freq
}

func hasPosition(locs []segment.Location, pos uint64) bool {
	n := sort.Search(len(locs), func(i int) bool { return locs[i].Pos >= pos })
	return n < len(locs) && locs[n].Pos == pos
}

func (s *phraseScorer) DocID() uint64 { return s.doc }

func (s *phraseScorer) Score() float64 {
	tfNorm := s.w.sim.TFNorm(s.freq, s.itrs[0].FieldLength(), s.w.avgFieldLen)
	return s.w.boost * s.w.idf * tfNorm
}

func (s *phraseScorer) Cost() uint64 { return s.cost }
