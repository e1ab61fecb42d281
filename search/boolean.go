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

import "sort"

type booleanWeight struct {
	must    []Weight
	should  []Weight
	mustNot []Weight
	boost   float64
}

func (w *booleanWeight) Scorer(seg SegmentReader) (Scorer, error) {
	var mustScorers []Scorer
	for _, sub := range w.must {
		s, err := sub.Scorer(seg)
		if err != nil {
			return nil, err
		}
		if s == nil {
			// a required clause matches nothing in this segment
			return nil, nil
		}
		mustScorers = append(mustScorers, s)
	}

	var shouldScorers []Scorer
	for _, sub := range w.should {
		s, err := sub.Scorer(seg)
		if err != nil {
			return nil, err
		}
		if s != nil {
			shouldScorers = append(shouldScorers, s)
		}
	}

	var notScorers []Scorer
	for _, sub := range w.mustNot {
		s, err := sub.Scorer(seg)
		if err != nil {
			return nil, err
		}
		if s != nil {
			notScorers = append(notScorers, s)
		}
	}

	var rv Scorer
	switch {
	case len(mustScorers) > 0:
		conj, err := newConjunctionScorer(mustScorers, shouldScorers, w.boost)
		if err != nil {
			return nil, err
		}
		if conj == nil {
			return nil, nil
		}
		rv = conj
	case len(shouldScorers) > 0:
		rv = newDisjunctionScorer(shouldScorers, w.boost)
	case len(w.should) > 0 || len(w.must) > 0:
		// clauses existed but none produced a scorer here
		return nil, nil
	default:
		// pure NOT: everything live minus the excluded
		all, err := (&matchAllWeight{boost: w.boost}).Scorer(seg)
		if err != nil || all == nil {
			return nil, err
		}
		rv = all
	}

	for _, not := range notScorers {
		// position the excluded scorer so its DocID is a real match
		doc, err := not.NextDoc()
		if err != nil {
			return nil, err
		}
		if doc == DocDone {
			continue
		}
		rv = newExclusionScorer(rv, not)
	}
	return rv, nil
}

// conjunctionScorer aligns all required scorers on the same doc id,
// leading with the lowest-cost clause and probing the others with
// Advance. Optional scorers contribute score when they match the
// current doc.
type conjunctionScorer struct {
	lead     Scorer
	others   []Scorer
	optional []Scorer
	boost    float64
	doc      uint64
}

// newConjunctionScorer positions every clause but the lead on its first
// match, so DocID comparisons during alignment are meaningful. Returns a
// nil Scorer when a required clause is already exhausted.
func newConjunctionScorer(required, optional []Scorer, boost float64) (Scorer, error) {
	sort.Slice(required, func(i, j int) bool {
		return required[i].Cost() < required[j].Cost()
	})
	others := required[1:]
	for _, other := range others {
		doc, err := other.NextDoc()
		if err != nil {
			return nil, err
		}
		if doc == DocDone {
			return nil, nil
		}
	}
	live := optional[:0]
	for _, opt := range optional {
		doc, err := opt.NextDoc()
		if err != nil {
			return nil, err
		}
		if doc != DocDone {
			live = append(live, opt)
		}
	}
	return &conjunctionScorer{
		lead:     required[0],
		others:   others,
		optional: live,
		boost:    boost,
	}, nil
}

func (s *conjunctionScorer) NextDoc() (uint64, error) {
	doc, err := s.lead.NextDoc()
	if err != nil {
		return DocDone, err
	}
	return s.align(doc)
}

func (s *conjunctionScorer) Advance(target uint64) (uint64, error) {
	doc, err := s.lead.Advance(target)
	if err != nil {
		return DocDone, err
	}
	return s.align(doc)
}

// align advances all clauses to agree on one doc id.
func (s *conjunctionScorer) align(doc uint64) (uint64, error) {
	for doc != DocDone {
		agreed := true
		for _, other := range s.others {
			od := other.DocID()
			if od < doc {
				var err error
				od, err = other.Advance(doc)
				if err != nil {
					return DocDone, err
				}
			}
			if od != doc {
				if od == DocDone {
					s.doc = DocDone
					return DocDone, nil
				}
				var err error
				doc, err = s.lead.Advance(od)
				if err != nil {
					return DocDone, err
				}
				agreed = false
				break
			}
		}
		if agreed {
			break
		}
	}
	s.doc = doc
	return doc, nil
}

func (s *conjunctionScorer) DocID() uint64 { return s.doc }

func (s *conjunctionScorer) Score() float64 {
	score := s.lead.Score()
	for _, other := range s.others {
		score += other.Score()
	}
	for _, opt := range s.optional {
		od := opt.DocID()
		if od < s.doc {
			var err error
			od, err = opt.Advance(s.doc)
			if err != nil {
				continue
			}
		}
		if od == s.doc {
			score += opt.Score()
		}
	}
	return s.boost * score
}

func (s *conjunctionScorer) Cost() uint64 { return s.lead.Cost() }

// disjunctionScorer unions its clauses, advancing the smallest current
// doc id among them.
type disjunctionScorer struct {
	scorers []Scorer
	curDocs []uint64
	boost   float64
	doc     uint64
	started bool
}

func newDisjunctionScorer(scorers []Scorer, boost float64) *disjunctionScorer {
	return &disjunctionScorer{
		scorers: scorers,
		curDocs: make([]uint64, len(scorers)),
		boost:   boost,
	}
}

func (s *disjunctionScorer) start() error {
	for i, sub := range s.scorers {
		doc, err := sub.NextDoc()
		if err != nil {
			return err
		}
		s.curDocs[i] = doc
	}
	s.started = true
	return nil
}

func (s *disjunctionScorer) NextDoc() (uint64, error) {
	if !s.started {
		err := s.start()
		if err != nil {
			return DocDone, err
		}
		s.doc = s.minDoc()
		return s.doc, nil
	}
	if s.doc == DocDone {
		return DocDone, nil
	}
	// step every clause sitting on the current doc
	for i, d := range s.curDocs {
		if d == s.doc {
			doc, err := s.scorers[i].NextDoc()
			if err != nil {
				return DocDone, err
			}
			s.curDocs[i] = doc
		}
	}
	s.doc = s.minDoc()
	return s.doc, nil
}

func (s *disjunctionScorer) Advance(target uint64) (uint64, error) {
	if !s.started {
		err := s.start()
		if err != nil {
			return DocDone, err
		}
	}
	for i, cur := range s.curDocs {
		if cur < target {
			doc, err := s.scorers[i].Advance(target)
			if err != nil {
				return DocDone, err
			}
			s.curDocs[i] = doc
		}
	}
	s.doc = s.minDoc()
	return s.doc, nil
}

func (s *disjunctionScorer) minDoc() uint64 {
	if !s.started {
		return DocDone
	}
	min := uint64(DocDone)
	for _, d := range s.curDocs {
		if d < min {
			min = d
		}
	}
	return min
}

func (s *disjunctionScorer) DocID() uint64 { return s.doc }

func (s *disjunctionScorer) Score() float64 {
	var score float64
	for i, d := range s.curDocs {
		if d == s.doc {
			score += s.scorers[i].Score()
		}
	}
	return s.boost * score
}

func (s *disjunctionScorer) Cost() uint64 {
	var cost uint64
	for _, sub := range s.scorers {
		cost += sub.Cost()
	}
	return cost
}

// exclusionScorer passes through base documents absent from the excluded
// scorer.
type exclusionScorer struct {
	base     Scorer
	excluded Scorer
	doc      uint64
}

func newExclusionScorer(base, excluded Scorer) *exclusionScorer {
	return &exclusionScorer{base: base, excluded: excluded}
}

func (s *exclusionScorer) NextDoc() (uint64, error) {
	doc, err := s.base.NextDoc()
	if err != nil {
		return DocDone, err
	}
	return s.skipExcluded(doc)
}

func (s *exclusionScorer) Advance(target uint64) (uint64, error) {
	doc, err := s.base.Advance(target)
	if err != nil {
		return DocDone, err
	}
	return s.skipExcluded(doc)
}

func (s *exclusionScorer) skipExcluded(doc uint64) (uint64, error) {
	for doc != DocDone {
		ed := s.excluded.DocID()
		if ed < doc {
			var err error
			ed, err = s.excluded.Advance(doc)
			if err != nil {
				return DocDone, err
			}
		}
		if ed != doc {
			break
		}
		var err error
		doc, err = s.base.NextDoc()
		if err != nil {
			return DocDone, err
		}
	}
	s.doc = doc
	return doc, nil
}

func (s *exclusionScorer) DocID() uint64 { return s.doc }

func (s *exclusionScorer) Score() float64 { return s.base.Score() }

func (s *exclusionScorer) Cost() uint64 { return s.base.Cost() }
