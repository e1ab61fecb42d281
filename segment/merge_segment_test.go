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
	"reflect"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/blevesearch/fathom/document"
)

func TestMergeDropsAndRenumbers(t *testing.T) {
	left := buildTestSegment(t, []document.Document{
		{Fields: []document.Field{
			document.NewKeywordField("_id", []byte("a")),
			document.NewTextField("desc", []byte("apple ball")),
		}},
		{Fields: []document.Field{
			document.NewKeywordField("_id", []byte("b")),
			document.NewTextField("desc", []byte("ball cat")),
		}},
		{Fields: []document.Field{
			document.NewKeywordField("_id", []byte("c")),
			document.NewTextField("desc", []byte("cat dog")),
		}},
	}, 16)
	right := buildTestSegment(t, []document.Document{
		{Fields: []document.Field{
			document.NewKeywordField("_id", []byte("d")),
			document.NewTextField("desc", []byte("dog egg")),
		}},
		{Fields: []document.Field{
			document.NewKeywordField("_id", []byte("e")),
			document.NewTextField("desc", []byte("egg fish")),
		}},
	}, 16)

	// drop "b" from the left source, "d" from the right
	drops := []*roaring.Bitmap{roaringFrom(t, 1), roaringFrom(t, 0)}
	merged, newDocNums, err := Merge([]*SegmentBase{left, right}, drops, 16)
	if err != nil {
		t.Fatalf("merge error: %v", err)
	}

	if merged.Count() != 3 {
		t.Fatalf("expected 3 docs after merge, got %d", merged.Count())
	}
	wantNums := [][]uint64{
		{0, DocDropped, 1},
		{DocDropped, 2},
	}
	if !reflect.DeepEqual(newDocNums, wantNums) {
		t.Errorf("expected doc num mapping %v, got %v", wantNums, newDocNums)
	}

	// survivors keep their stored identity in renumbered order
	var ids []string
	for doc := uint64(0); doc < merged.Count(); doc++ {
		err = merged.VisitStoredFields(doc, func(field string,
			typ document.ValueType, value []byte) bool {
			if field == "_id" {
				ids = append(ids, string(value))
			}
			return true
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if !reflect.DeepEqual(ids, []string{"a", "c", "e"}) {
		t.Errorf("expected live ids [a c e], got %v", ids)
	}

	// dictionary is the ordered union with dropped docs excluded
	dict, err := merged.Dictionary("desc")
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]uint64{}
	itr := dict.Iterator(nil, nil)
	entry, err := itr.Next()
	for err == nil && entry != nil {
		counts[entry.Term] = entry.Count
		entry, err = itr.Next()
	}
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]uint64{
		"apple": 1, "ball": 1, "cat": 1, "dog": 1, "egg": 1, "fish": 1,
	}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("expected term counts %v, got %v", want, counts)
	}

	// postings are renumbered into the merged doc space
	pl, err := dict.PostingsList([]byte("egg"), nil)
	if err != nil {
		t.Fatal(err)
	}
	pitr := pl.Iterator(false, false)
	doc, err := pitr.Next()
	if err != nil || doc != 2 {
		t.Fatalf("expected egg only in merged doc 2, got %d err %v", doc, err)
	}

	// per-field stats reflect survivors only
	docCount, sumLen := merged.FieldStats("desc")
	if docCount != 3 || sumLen != 6 {
		t.Errorf("expected desc stats 3/6, got %d/%d", docCount, sumLen)
	}

	// doc values survive the merge
	var dv string
	err = merged.VisitDocValues(1, []string{"_id"}, func(field string,
		typ document.ValueType, value []byte) {
		dv = string(value)
	})
	if err != nil {
		t.Fatal(err)
	}
	if dv != "c" {
		t.Errorf("expected doc value c for merged doc 1, got %s", dv)
	}
}

func TestMergeFieldStatsCountEmptyTokenStreams(t *testing.T) {
	// the second doc carries body with no analyzed tokens, so it appears
	// in no postings list but still counts toward the field's doc count
	docs := []document.Document{
		{Fields: []document.Field{
			document.NewTextField("body", []byte("alpha beta")),
		}},
		{Fields: []document.Field{
			document.NewTextField("body", []byte("")),
		}},
	}
	sb := buildTestSegment(t, docs, 16)

	docCount, sumLen := sb.FieldStats("body")
	if docCount != 2 || sumLen != 2 {
		t.Fatalf("expected built body stats 2/2, got %d/%d", docCount, sumLen)
	}

	merged, _, err := Merge([]*SegmentBase{sb}, []*roaring.Bitmap{nil}, 16)
	if err != nil {
		t.Fatalf("merge error: %v", err)
	}
	docCount, sumLen = merged.FieldStats("body")
	if docCount != 2 || sumLen != 2 {
		t.Errorf("expected merged body stats 2/2, got %d/%d", docCount, sumLen)
	}

	// dropping the tokenized doc leaves only the empty one counted
	merged, _, err = Merge([]*SegmentBase{sb},
		[]*roaring.Bitmap{roaringFrom(t, 0)}, 16)
	if err != nil {
		t.Fatalf("merge error: %v", err)
	}
	docCount, sumLen = merged.FieldStats("body")
	if docCount != 1 || sumLen != 0 {
		t.Errorf("expected merged body stats 1/0, got %d/%d", docCount, sumLen)
	}
}

func TestMergeSchemaUnion(t *testing.T) {
	left := buildTestSegment(t, []document.Document{
		{Fields: []document.Field{
			document.NewTextField("title", []byte("alpha")),
		}},
	}, 16)
	right := buildTestSegment(t, []document.Document{
		{Fields: []document.Field{
			document.NewTextField("body", []byte("beta gamma")),
		}},
	}, 16)

	merged, _, err := Merge([]*SegmentBase{left, right},
		[]*roaring.Bitmap{nil, nil}, 16)
	if err != nil {
		t.Fatalf("merge error: %v", err)
	}
	if !reflect.DeepEqual(merged.Fields(), []string{"title", "body"}) {
		t.Errorf("expected merged fields [title body], got %v", merged.Fields())
	}
	dict, err := merged.Dictionary("body")
	if err != nil {
		t.Fatal(err)
	}
	pl, err := dict.PostingsList([]byte("gamma"), nil)
	if err != nil {
		t.Fatal(err)
	}
	itr := pl.Iterator(false, false)
	doc, err := itr.Next()
	if err != nil || doc != 1 {
		t.Fatalf("expected gamma in merged doc 1, got %d err %v", doc, err)
	}
}
