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

// Package search turns a declarative query tree into per-segment scoring
// iterators and collects a ranked result set.
package search

import (
	"context"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/blevesearch/fathom/segment"
)

// DocDone is returned by Scorer.NextDoc and Advance once the scorer is
// exhausted.
const DocDone = math.MaxUint64

// SegmentReader is the view of one segment a Weight needs to produce a
// Scorer.
type SegmentReader interface {
	// Dictionary returns the segment's term dictionary for a field;
	// nil if the field is unknown or not indexed.
	Dictionary(field string) (*segment.Dictionary, error)

	// Deleted returns the segment's deleted-docs bitmap, nil when the
	// segment has no deletions.
	Deleted() *roaring.Bitmap

	// MaxDoc returns the segment's local doc id space size.
	MaxDoc() uint64
}

// Reader is a point-in-time view over an ordered list of segments,
// providing the collection-level statistics weights are built from.
type Reader interface {
	Segments() []SegmentReader

	// DocCount returns the number of live documents.
	DocCount() uint64

	// DocFreq returns the number of documents containing the term,
	// deletions not subtracted (collection statistics follow Lucene
	// here: cheap and stable under deletes until a merge).
	DocFreq(field string, term []byte) (uint64, error)

	// FieldStats returns the number of documents carrying the field
	// and their total analyzed length.
	FieldStats(field string) (docCount, sumLength uint64, err error)
}

// Scorer iterates the matching documents of one segment in increasing
// local doc id order, exposing a score per matching document.
type Scorer interface {
	// NextDoc returns the next matching doc id, or DocDone.
	NextDoc() (uint64, error)

	// Advance returns the first matching doc id >= target, or DocDone.
	// It must use sub-linear skipping where the underlying postings
	// allow it.
	Advance(target uint64) (uint64, error)

	// DocID returns the current doc id.
	DocID() uint64

	// Score returns the current document's score.
	Score() float64

	// Cost estimates the number of documents this scorer will match,
	// used to pick the conjunction pivot order.
	Cost() uint64
}

// Weight is a Query bound to a Reader, with collection statistics
// computed once.
type Weight interface {
	// Scorer returns a scorer over one segment, or nil when the
	// weight matches nothing in that segment.
	Scorer(seg SegmentReader) (Scorer, error)
}

// Query is a closed set of declarative query variants; see TermQuery,
// PhraseQuery, BooleanQuery, RangeQuery and MatchAllQuery.
type Query interface {
	Weight(r Reader, sim Similarity) (Weight, error)
}

// Hit is one ranked result: a reader-global doc id and its score.
type Hit struct {
	Doc   uint64
	Score float64
}

// Result is a ranked result set.
type Result struct {
	Hits  []Hit
	Total uint64
}

// Execute runs the query against the reader and returns the top k hits
// in descending score order. Cancellation is checked between segments.
func Execute(ctx context.Context, r Reader, q Query, sim Similarity, k int) (*Result, error) {
	w, err := q.Weight(r, sim)
	if err != nil {
		return nil, err
	}

	collector := NewTopKCollector(k)
	var base uint64
	for _, seg := range r.Segments() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		scorer, err := w.Scorer(seg)
		if err != nil {
			return nil, err
		}
		if scorer != nil {
			doc, err := scorer.NextDoc()
			for err == nil && doc != DocDone {
				collector.Collect(base+doc, scorer.Score())
				doc, err = scorer.NextDoc()
			}
			if err != nil {
				return nil, err
			}
		}
		base += seg.MaxDoc()
	}

	return &Result{
		Hits:  collector.Top(),
		Total: collector.Total(),
	}, nil
}
