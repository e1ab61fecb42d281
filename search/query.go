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

import "fmt"

// TermQuery matches documents containing an exact term in a field.
type TermQuery struct {
	Field string
	Term  []byte
	Boost float64
}

func NewTermQuery(field string, term []byte) *TermQuery {
	return &TermQuery{Field: field, Term: term, Boost: 1}
}

func (q *TermQuery) Weight(r Reader, sim Similarity) (Weight, error) {
	df, err := r.DocFreq(q.Field, q.Term)
	if err != nil {
		return nil, err
	}
	fieldDocs, sumLen, err := r.FieldStats(q.Field)
	if err != nil {
		return nil, err
	}
	var avgFieldLen float64
	if fieldDocs > 0 {
		avgFieldLen = float64(sumLen) / float64(fieldDocs)
	}
	return &termWeight{
		field:       q.Field,
		term:        q.Term,
		boost:       boostOrOne(q.Boost),
		sim:         sim,
		idf:         sim.IDF(r.DocCount(), df),
		avgFieldLen: avgFieldLen,
	}, nil
}

// PhraseQuery matches documents where the terms occur at consecutive
// positions in a field. Requires the field to have indexed positions.
type PhraseQuery struct {
	Field string
	Terms [][]byte
	Boost float64
}

func NewPhraseQuery(field string, terms ...[]byte) *PhraseQuery {
	return &PhraseQuery{Field: field, Terms: terms, Boost: 1}
}

func (q *PhraseQuery) Weight(r Reader, sim Similarity) (Weight, error) {
	if len(q.Terms) == 0 {
		return nil, fmt.Errorf("phrase query needs at least one term")
	}
	fieldDocs, sumLen, err := r.FieldStats(q.Field)
	if err != nil {
		return nil, err
	}
	var avgFieldLen float64
	if fieldDocs > 0 {
		avgFieldLen = float64(sumLen) / float64(fieldDocs)
	}
	var idfSum float64
	for _, term := range q.Terms {
		df, err := r.DocFreq(q.Field, term)
		if err != nil {
			return nil, err
		}
		idfSum += sim.IDF(r.DocCount(), df)
	}
	return &phraseWeight{
		field:       q.Field,
		terms:       q.Terms,
		boost:       boostOrOne(q.Boost),
		sim:         sim,
		idf:         idfSum,
		avgFieldLen: avgFieldLen,
	}, nil
}

// BooleanQuery composes sub-queries: Must clauses all match (AND),
// Should clauses contribute score and, absent Must clauses, at least one
// must match (OR), MustNot clauses exclude (NOT).
type BooleanQuery struct {
	Must    []Query
	Should  []Query
	MustNot []Query
	Boost   float64
}

func NewBooleanQuery() *BooleanQuery {
	return &BooleanQuery{Boost: 1}
}

func (q *BooleanQuery) AddMust(sub ...Query) *BooleanQuery {
	q.Must = append(q.Must, sub...)
	return q
}

func (q *BooleanQuery) AddShould(sub ...Query) *BooleanQuery {
	q.Should = append(q.Should, sub...)
	return q
}

func (q *BooleanQuery) AddMustNot(sub ...Query) *BooleanQuery {
	q.MustNot = append(q.MustNot, sub...)
	return q
}

func (q *BooleanQuery) Weight(r Reader, sim Similarity) (Weight, error) {
	if len(q.Must) == 0 && len(q.Should) == 0 && len(q.MustNot) == 0 {
		return nil, fmt.Errorf("boolean query has no clauses")
	}
	rv := &booleanWeight{boost: boostOrOne(q.Boost)}
	for _, sub := range q.Must {
		w, err := sub.Weight(r, sim)
		if err != nil {
			return nil, err
		}
		rv.must = append(rv.must, w)
	}
	for _, sub := range q.Should {
		w, err := sub.Weight(r, sim)
		if err != nil {
			return nil, err
		}
		rv.should = append(rv.should, w)
	}
	for _, sub := range q.MustNot {
		w, err := sub.Weight(r, sim)
		if err != nil {
			return nil, err
		}
		rv.mustNot = append(rv.mustNot, w)
	}
	return rv, nil
}

// RangeQuery matches documents with any term in [Lower, Upper] of a
// field, constant-scored. Nil bounds are unbounded.
type RangeQuery struct {
	Field          string
	Lower, Upper   []byte
	InclusiveLower bool
	InclusiveUpper bool
	Boost          float64
}

func NewRangeQuery(field string, lower, upper []byte) *RangeQuery {
	return &RangeQuery{
		Field:          field,
		Lower:          lower,
		Upper:          upper,
		InclusiveLower: true,
		InclusiveUpper: true,
		Boost:          1,
	}
}

func (q *RangeQuery) Weight(r Reader, sim Similarity) (Weight, error) {
	return &rangeWeight{q: q, boost: boostOrOne(q.Boost)}, nil
}

// MatchAllQuery matches every live document with a constant score.
type MatchAllQuery struct {
	Boost float64
}

func NewMatchAllQuery() *MatchAllQuery {
	return &MatchAllQuery{Boost: 1}
}

func (q *MatchAllQuery) Weight(r Reader, sim Similarity) (Weight, error) {
	return &matchAllWeight{boost: boostOrOne(q.Boost)}, nil
}

func boostOrOne(boost float64) float64 {
	if boost == 0 {
		return 1
	}
	return boost
}
