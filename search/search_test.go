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
	"context"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/blevesearch/fathom/document"
	"github.com/blevesearch/fathom/segment"
)

// testSegment adapts a built SegmentBase to SegmentReader.
type testSegment struct {
	sb      *segment.SegmentBase
	deleted *roaring.Bitmap
}

func (s *testSegment) Dictionary(field string) (*segment.Dictionary, error) {
	return s.sb.Dictionary(field)
}

func (s *testSegment) Deleted() *roaring.Bitmap { return s.deleted }

func (s *testSegment) MaxDoc() uint64 { return s.sb.Count() }

type testReader struct {
	segs []*testSegment
}

func (r *testReader) Segments() []SegmentReader {
	rv := make([]SegmentReader, len(r.segs))
	for i, s := range r.segs {
		rv[i] = s
	}
	return rv
}

func (r *testReader) DocCount() uint64 {
	var n uint64
	for _, s := range r.segs {
		n += s.sb.Count()
		if s.deleted != nil {
			n -= s.deleted.GetCardinality()
		}
	}
	return n
}

func (r *testReader) DocFreq(field string, term []byte) (uint64, error) {
	var n uint64
	for _, s := range r.segs {
		dict, err := s.sb.Dictionary(field)
		if err != nil {
			return 0, err
		}
		if dict == nil {
			continue
		}
		pl, err := dict.PostingsList(term, nil)
		if err != nil {
			return 0, err
		}
		n += pl.DocFreq()
	}
	return n, nil
}

func (r *testReader) FieldStats(field string) (uint64, uint64, error) {
	var docs, sumLen uint64
	for _, s := range r.segs {
		d, l := s.sb.FieldStats(field)
		docs += d
		sumLen += l
	}
	return docs, sumLen, nil
}

// buildReader indexes one body text per document, split across segments
// of up to three documents, mirroring a multi-segment index.
func buildReader(t *testing.T, bodies []string) *testReader {
	t.Helper()
	rv := &testReader{}
	for start := 0; start < len(bodies); start += 3 {
		end := start + 3
		if end > len(bodies) {
			end = len(bodies)
		}
		var docs []document.Document
		for _, body := range bodies[start:end] {
			docs = append(docs, document.Document{Fields: []document.Field{
				document.NewTextField("body", []byte(body)),
			}})
		}
		sb, err := segment.New(docs, 16)
		if err != nil {
			t.Fatalf("error building segment: %v", err)
		}
		rv.segs = append(rv.segs, &testSegment{sb: sb})
	}
	return rv
}

func searchDocs(t *testing.T, r *testReader, q Query) []uint64 {
	t.Helper()
	res, err := Execute(context.Background(), r, q, DefaultSimilarity(), len(testBodies)+1)
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	docs := make([]uint64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		docs = append(docs, hit.Doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs
}

var testBodies = []string{
	"apple banana cherry",
	"banana cherry date",
	"cherry date elderberry",
	"apple elderberry",
	"banana banana cherry",
	"fig",
	"apple banana",
}

// bruteMatch returns the global doc ids whose body contains the term.
func bruteMatch(term string) map[uint64]bool {
	rv := map[uint64]bool{}
	for i, body := range testBodies {
		for _, word := range strings.Fields(body) {
			if word == term {
				rv[uint64(i)] = true
			}
		}
	}
	return rv
}

func setToSlice(set map[uint64]bool) []uint64 {
	rv := make([]uint64, 0, len(set))
	for doc := range set {
		rv = append(rv, doc)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i] < rv[j] })
	return rv
}

func TestTermQuery(t *testing.T) {
	r := buildReader(t, testBodies)
	got := searchDocs(t, r, NewTermQuery("body", []byte("banana")))
	want := setToSlice(bruteMatch("banana"))
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	got = searchDocs(t, r, NewTermQuery("body", []byte("zebra")))
	if len(got) != 0 {
		t.Errorf("expected no matches for absent term, got %v", got)
	}
}

func TestBooleanAlgebra(t *testing.T) {
	r := buildReader(t, testBodies)
	a := bruteMatch("banana")
	b := bruteMatch("cherry")

	// AND = intersection
	and := map[uint64]bool{}
	for doc := range a {
		if b[doc] {
			and[doc] = true
		}
	}
	q := NewBooleanQuery().
		AddMust(NewTermQuery("body", []byte("banana"))).
		AddMust(NewTermQuery("body", []byte("cherry")))
	got := searchDocs(t, r, q)
	if !reflect.DeepEqual(got, setToSlice(and)) {
		t.Errorf("AND: expected %v, got %v", setToSlice(and), got)
	}

	// OR = union
	or := map[uint64]bool{}
	for doc := range a {
		or[doc] = true
	}
	for doc := range b {
		or[doc] = true
	}
	q = NewBooleanQuery().
		AddShould(NewTermQuery("body", []byte("banana"))).
		AddShould(NewTermQuery("body", []byte("cherry")))
	got = searchDocs(t, r, q)
	if !reflect.DeepEqual(got, setToSlice(or)) {
		t.Errorf("OR: expected %v, got %v", setToSlice(or), got)
	}

	// AND NOT = difference
	diff := map[uint64]bool{}
	for doc := range a {
		if !b[doc] {
			diff[doc] = true
		}
	}
	q = NewBooleanQuery().
		AddMust(NewTermQuery("body", []byte("banana"))).
		AddMustNot(NewTermQuery("body", []byte("cherry")))
	got = searchDocs(t, r, q)
	if !reflect.DeepEqual(got, setToSlice(diff)) {
		t.Errorf("AND NOT: expected %v, got %v", setToSlice(diff), got)
	}

	// pure NOT = complement of the live doc space
	not := map[uint64]bool{}
	for i := range testBodies {
		if !a[uint64(i)] {
			not[uint64(i)] = true
		}
	}
	q = NewBooleanQuery().
		AddMustNot(NewTermQuery("body", []byte("banana")))
	got = searchDocs(t, r, q)
	if !reflect.DeepEqual(got, setToSlice(not)) {
		t.Errorf("NOT: expected %v, got %v", setToSlice(not), got)
	}
}

func TestBooleanShouldBoostsMust(t *testing.T) {
	r := buildReader(t, testBodies)
	plain := NewBooleanQuery().
		AddMust(NewTermQuery("body", []byte("apple")))
	boosted := NewBooleanQuery().
		AddMust(NewTermQuery("body", []byte("apple"))).
		AddShould(NewTermQuery("body", []byte("banana")))

	plainRes, err := Execute(context.Background(), r, plain, DefaultSimilarity(), 10)
	if err != nil {
		t.Fatal(err)
	}
	boostedRes, err := Execute(context.Background(), r, boosted, DefaultSimilarity(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if plainRes.Total != boostedRes.Total {
		t.Fatalf("optional clause changed the match set: %d vs %d",
			plainRes.Total, boostedRes.Total)
	}
	// docs matching the optional clause gain score, the rest are unchanged
	scoreOf := func(res *Result, doc uint64) float64 {
		for _, hit := range res.Hits {
			if hit.Doc == doc {
				return hit.Score
			}
		}
		t.Fatalf("doc %d missing from hits", doc)
		return 0
	}
	for _, doc := range []uint64{0, 6} { // contain both apple and banana
		if scoreOf(boostedRes, doc) <= scoreOf(plainRes, doc) {
			t.Errorf("expected optional match to raise doc %d's score", doc)
		}
	}
	if scoreOf(boostedRes, 3) != scoreOf(plainRes, 3) { // apple only
		t.Errorf("expected doc 3's score unchanged without optional match")
	}
}

func TestConjunctionOrderIndependence(t *testing.T) {
	r := buildReader(t, testBodies)
	forward := NewBooleanQuery().
		AddMust(NewTermQuery("body", []byte("elderberry"))).
		AddMust(NewTermQuery("body", []byte("cherry")))
	reverse := NewBooleanQuery().
		AddMust(NewTermQuery("body", []byte("cherry"))).
		AddMust(NewTermQuery("body", []byte("elderberry")))
	if got, want := searchDocs(t, r, forward), searchDocs(t, r, reverse); !reflect.DeepEqual(got, want) {
		t.Errorf("clause order changed results: %v vs %v", got, want)
	}
	if got := searchDocs(t, r, forward); !reflect.DeepEqual(got, []uint64{2}) {
		t.Errorf("expected docs [2], got %v", got)
	}
}

func TestScoringMonotonicity(t *testing.T) {
	// same field length, different term frequency
	r := buildReader(t, []string{
		"cherry banana banana",
		"cherry cherry banana",
	})
	res, err := Execute(context.Background(), r,
		NewTermQuery("body", []byte("cherry")), DefaultSimilarity(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(res.Hits))
	}
	if res.Hits[0].Doc != 1 {
		t.Errorf("expected higher tf doc first, got doc %d", res.Hits[0].Doc)
	}
	if res.Hits[0].Score <= res.Hits[1].Score {
		t.Errorf("expected strictly higher score for higher tf: %v vs %v",
			res.Hits[0].Score, res.Hits[1].Score)
	}

	// same term frequency, different field length
	r = buildReader(t, []string{
		"cherry banana banana banana banana banana",
		"cherry banana",
	})
	res, err = Execute(context.Background(), r,
		NewTermQuery("body", []byte("cherry")), DefaultSimilarity(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits[0].Doc != 1 {
		t.Errorf("expected shorter field ranked first, got doc %d", res.Hits[0].Doc)
	}
}

func TestPhraseQuery(t *testing.T) {
	r := buildReader(t, []string{
		"quick brown fox",
		"brown quick fox",
		"quick fox brown quick brown dog",
	})
	got := searchDocs(t, r, NewPhraseQuery("body",
		[]byte("quick"), []byte("brown")))
	if !reflect.DeepEqual(got, []uint64{0, 2}) {
		t.Errorf("expected docs [0 2], got %v", got)
	}

	// single-term phrase behaves like a term query
	got = searchDocs(t, r, NewPhraseQuery("body", []byte("dog")))
	if !reflect.DeepEqual(got, []uint64{2}) {
		t.Errorf("expected docs [2], got %v", got)
	}

	got = searchDocs(t, r, NewPhraseQuery("body",
		[]byte("fox"), []byte("quick"), []byte("brown")))
	if !reflect.DeepEqual(got, []uint64{2}) {
		t.Errorf("expected docs [2], got %v", got)
	}
}

func TestRangeQuery(t *testing.T) {
	r := buildReader(t, testBodies)

	q := NewRangeQuery("body", []byte("banana"), []byte("cherry"))
	got := searchDocs(t, r, q)
	union := map[uint64]bool{}
	for doc := range bruteMatch("banana") {
		union[doc] = true
	}
	for doc := range bruteMatch("cherry") {
		union[doc] = true
	}
	if !reflect.DeepEqual(got, setToSlice(union)) {
		t.Errorf("inclusive range: expected %v, got %v", setToSlice(union), got)
	}

	// exclusive bounds drop the endpoints
	q = NewRangeQuery("body", []byte("banana"), []byte("cherry"))
	q.InclusiveLower = false
	q.InclusiveUpper = false
	got = searchDocs(t, r, q)
	if len(got) != 0 {
		t.Errorf("exclusive range: expected no matches, got %v", got)
	}

	// nil bounds are unbounded
	q = NewRangeQuery("body", nil, []byte("apple"))
	got = searchDocs(t, r, q)
	if !reflect.DeepEqual(got, setToSlice(bruteMatch("apple"))) {
		t.Errorf("unbounded lower: expected %v, got %v",
			setToSlice(bruteMatch("apple")), got)
	}
}

func TestMatchAllQuery(t *testing.T) {
	r := buildReader(t, testBodies)
	got := searchDocs(t, r, NewMatchAllQuery())
	if len(got) != len(testBodies) {
		t.Fatalf("expected all %d docs, got %d", len(testBodies), len(got))
	}

	// deletions are excluded
	r.segs[0].deleted = roaring.BitmapOf(1)
	got = searchDocs(t, r, NewMatchAllQuery())
	if len(got) != len(testBodies)-1 {
		t.Errorf("expected %d docs after delete, got %d", len(testBodies)-1, len(got))
	}
	for _, doc := range got {
		if doc == 1 {
			t.Error("deleted doc 1 still matched")
		}
	}
}

func TestDeletionsExcluded(t *testing.T) {
	r := buildReader(t, testBodies)
	// doc 4 is "banana banana cherry", local doc 1 of segment 1
	r.segs[1].deleted = roaring.BitmapOf(1)
	got := searchDocs(t, r, NewTermQuery("body", []byte("banana")))
	want := setToSlice(bruteMatch("banana"))
	filtered := want[:0]
	for _, doc := range want {
		if doc != 4 {
			filtered = append(filtered, doc)
		}
	}
	if !reflect.DeepEqual(got, filtered) {
		t.Errorf("expected %v, got %v", filtered, got)
	}
}

func TestQueryCancellation(t *testing.T) {
	r := buildReader(t, testBodies)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Execute(ctx, r, NewMatchAllQuery(), DefaultSimilarity(), 10)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCollectorTopK(t *testing.T) {
	c := NewTopKCollector(3)
	c.Collect(10, 1.0)
	c.Collect(11, 3.0)
	c.Collect(12, 2.0)
	c.Collect(13, 5.0)
	c.Collect(14, 2.0)

	if c.Total() != 5 {
		t.Errorf("expected total 5, got %d", c.Total())
	}
	top := c.Top()
	want := []Hit{{Doc: 13, Score: 5.0}, {Doc: 11, Score: 3.0}, {Doc: 12, Score: 2.0}}
	if !reflect.DeepEqual(top, want) {
		t.Errorf("expected %v, got %v", want, top)
	}
}

func TestCollectorTieBreak(t *testing.T) {
	c := NewTopKCollector(2)
	c.Collect(5, 1.0)
	c.Collect(2, 1.0)
	c.Collect(9, 1.0)

	top := c.Top()
	want := []Hit{{Doc: 2, Score: 1.0}, {Doc: 5, Score: 1.0}}
	if !reflect.DeepEqual(top, want) {
		t.Errorf("expected lowest doc ids retained on ties, got %v", top)
	}
}

func TestCollectorZeroK(t *testing.T) {
	c := NewTopKCollector(0)
	c.Collect(1, 1.0)
	if c.Total() != 1 {
		t.Errorf("expected total counted with k=0, got %d", c.Total())
	}
	if len(c.Top()) != 0 {
		t.Error("expected no hits with k=0")
	}
}
