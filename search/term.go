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

import "github.com/blevesearch/fathom/segment"

type termWeight struct {
	field       string
	term        []byte
	boost       float64
	sim         Similarity
	idf         float64
	avgFieldLen float64
}

func (w *termWeight) Scorer(seg SegmentReader) (Scorer, error) {
	dict, err := seg.Dictionary(w.field)
	if err != nil {
		return nil, err
	}
	if dict == nil {
		return nil, nil
	}
	pl, err := dict.PostingsList(w.term, seg.Deleted())
	if err != nil {
		return nil, err
	}
	if pl.Count() == 0 {
		return nil, nil
	}
	return &termScorer{
		itr:  pl.Iterator(true, false),
		cost: pl.Count(),
		w:    w,
	}, nil
}

type termScorer struct {
	itr  *segment.PostingsIterator
	cost uint64
	w    *termWeight
	doc  uint64
}

func (s *termScorer) NextDoc() (uint64, error) {
	doc, err := s.itr.Next()
	s.doc = doc
	return doc, err
}

func (s *termScorer) Advance(target uint64) (uint64, error) {
	doc, err := s.itr.Advance(target)
	s.doc = doc
	return doc, err
}

func (s *termScorer) DocID() uint64 { return s.doc }

func (s *termScorer) Score() float64 {
	tfNorm := s.w.sim.TFNorm(s.itr.Freq(), s.itr.FieldLength(), s.w.avgFieldLen)
	return s.w.boost * s.w.idf * tfNorm
}

func (s *termScorer) Cost() uint64 { return s.cost }
