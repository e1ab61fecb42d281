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
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"reflect"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/blevesearch/fathom/document"
	"github.com/blevesearch/fathom/store"
)

func roaringFrom(t *testing.T, docs ...uint32) *roaring.Bitmap {
	t.Helper()
	rv := roaring.New()
	rv.AddMany(docs)
	return rv
}

func buildTestDocs() []document.Document {
	return []document.Document{
		{Fields: []document.Field{
			document.NewKeywordField("_id", []byte("a")),
			document.NewTextField("desc", []byte("apple ball cat dog egg fish bat")),
		}},
		{Fields: []document.Field{
			document.NewKeywordField("_id", []byte("b")),
			document.NewTextField("desc", []byte("cat cat dog")),
		}},
	}
}

func buildTestSegment(t *testing.T, docs []document.Document,
	chunkFactor uint32) *SegmentBase {
	t.Helper()
	sb, err := New(docs, chunkFactor)
	if err != nil {
		t.Fatalf("error building segment: %v", err)
	}
	return sb
}

// persistAndOpen round-trips a segment through a directory.
func persistAndOpen(t *testing.T, sb *SegmentBase) *Segment {
	t.Helper()
	dir := store.NewMemDirectory()
	err := Persist(sb, dir, "test.fseg")
	if err != nil {
		t.Fatalf("error persisting segment: %v", err)
	}
	in, err := dir.OpenInput("test.fseg")
	if err != nil {
		t.Fatalf("error opening input: %v", err)
	}
	seg, err := Open(in)
	if err != nil {
		t.Fatalf("error opening segment: %v", err)
	}
	return seg
}

func TestSegmentRoundTrip(t *testing.T) {
	seg := persistAndOpen(t, buildTestSegment(t, buildTestDocs(), 16))
	defer func() { _ = seg.Close() }()

	if seg.Count() != 2 {
		t.Errorf("expected 2 docs, got %d", seg.Count())
	}
	if !reflect.DeepEqual(seg.Fields(), []string{"_id", "desc"}) {
		t.Errorf("unexpected fields: %v", seg.Fields())
	}

	dict, err := seg.Dictionary("desc")
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"apple", "ball", "bat", "cat", "dog", "egg", "fish"}
	var got []string
	itr := dict.Iterator(nil, nil)
	entry, err := itr.Next()
	for err == nil && entry != nil {
		got = append(got, entry.Term)
		entry, err = itr.Next()
	}
	if err != nil {
		t.Fatalf("dict itr error: %v", err)
	}
	if !reflect.DeepEqual(expected, got) {
		t.Errorf("expected: %v, got: %v", expected, got)
	}

	// range iteration
	expected = []string{"ball", "bat"}
	got = got[:0]
	itr = dict.Iterator([]byte("b"), []byte("c"))
	entry, err = itr.Next()
	for err == nil && entry != nil {
		got = append(got, entry.Term)
		entry, err = itr.Next()
	}
	if err != nil {
		t.Fatalf("dict itr error: %v", err)
	}
	if !reflect.DeepEqual(expected, got) {
		t.Errorf("expected: %v, got: %v", expected, got)
	}

	// postings with freq and positions
	pl, err := dict.PostingsList([]byte("cat"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if pl.Count() != 2 {
		t.Errorf("expected cat in 2 docs, got %d", pl.Count())
	}
	pitr := pl.Iterator(true, true)
	doc, err := pitr.Next()
	if err != nil || doc != 0 {
		t.Fatalf("expected doc 0, got %d err %v", doc, err)
	}
	if pitr.Freq() != 1 {
		t.Errorf("expected freq 1 in doc 0, got %d", pitr.Freq())
	}
	if pitr.FieldLength() != 7 {
		t.Errorf("expected field length 7 in doc 0, got %d", pitr.FieldLength())
	}
	doc, err = pitr.Next()
	if err != nil || doc != 1 {
		t.Fatalf("expected doc 1, got %d err %v", doc, err)
	}
	if pitr.Freq() != 2 {
		t.Errorf("expected freq 2 in doc 1, got %d", pitr.Freq())
	}
	locs := pitr.Locations()
	if len(locs) != 2 || locs[0].Pos != 0 || locs[1].Pos != 1 {
		t.Errorf("unexpected locations: %+v", locs)
	}
	doc, err = pitr.Next()
	if err != nil || doc != DocNumDone {
		t.Fatalf("expected exhausted iterator, got %d err %v", doc, err)
	}

	// a term absent from the dictionary is empty, not an error
	pl, err = dict.PostingsList([]byte("zebra"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if pl.Count() != 0 {
		t.Errorf("expected empty postings for absent term, got %d", pl.Count())
	}

	// stored fields
	stored := map[string]string{}
	err = seg.VisitStoredFields(1, func(field string,
		typ document.ValueType, value []byte) bool {
		stored[field] = string(value)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"_id": "b", "desc": "cat cat dog"}
	if !reflect.DeepEqual(stored, want) {
		t.Errorf("expected stored %v, got %v", want, stored)
	}

	// doc values
	var dvField, dvValue string
	err = seg.VisitDocValues(0, []string{"_id"}, func(field string,
		typ document.ValueType, value []byte) {
		dvField, dvValue = field, string(value)
	})
	if err != nil {
		t.Fatal(err)
	}
	if dvField != "_id" || dvValue != "a" {
		t.Errorf("unexpected doc value %s=%s", dvField, dvValue)
	}

	// field statistics feed average field length
	docCount, sumLen := seg.FieldStats("desc")
	if docCount != 2 || sumLen != 10 {
		t.Errorf("expected desc stats 2/10, got %d/%d", docCount, sumLen)
	}
}

func TestSegmentCorruption(t *testing.T) {
	sb := buildTestSegment(t, buildTestDocs(), 16)
	dir := store.NewMemDirectory()
	err := Persist(sb, dir, "test.fseg")
	if err != nil {
		t.Fatalf("error persisting segment: %v", err)
	}
	in, err := dir.OpenInput("test.fseg")
	if err != nil {
		t.Fatal(err)
	}
	data := append([]byte(nil), in.Data()...)
	_ = in.Close()

	// flip one byte in the middle
	data[len(data)/2] ^= 0xff
	writeRaw(t, dir, "corrupt.fseg", data)
	in, err = dir.OpenInput("corrupt.fseg")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Open(in)
	if !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
	_ = in.Close()
}

func TestSegmentUnsupportedVersion(t *testing.T) {
	sb := buildTestSegment(t, buildTestDocs(), 16)
	data := append([]byte(nil), sb.Data()...)

	// patch the version and restore checksum consistency
	binary.BigEndian.PutUint32(data[len(data)-12:len(data)-8], 99)
	binary.BigEndian.PutUint32(data[len(data)-8:len(data)-4],
		crc32.ChecksumIEEE(data[:len(data)-8]))

	dir := store.NewMemDirectory()
	writeRaw(t, dir, "future.fseg", data)
	in, err := dir.OpenInput("future.fseg")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Open(in)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
	_ = in.Close()
}

func writeRaw(t *testing.T, dir store.Directory, name string, data []byte) {
	t.Helper()
	out, err := dir.CreateOutput(name)
	if err != nil {
		t.Fatal(err)
	}
	_, err = out.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	err = out.Close()
	if err != nil {
		t.Fatal(err)
	}
}

func TestPostingsAdvance(t *testing.T) {
	// enough docs to span several chunks at a small chunk factor
	var docs []document.Document
	for i := 0; i < 300; i++ {
		text := "filler"
		if i%3 == 0 {
			text = "target filler"
		}
		docs = append(docs, document.Document{Fields: []document.Field{
			document.NewKeywordField("_id", []byte(fmt.Sprintf("doc-%03d", i))),
			document.NewTextField("body", []byte(text)),
		}})
	}
	sb := buildTestSegment(t, docs, 16)

	dict, err := sb.Dictionary("body")
	if err != nil {
		t.Fatal(err)
	}
	pl, err := dict.PostingsList([]byte("target"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if pl.Count() != 100 {
		t.Fatalf("expected 100 matching docs, got %d", pl.Count())
	}

	itr := pl.Iterator(true, false)
	doc, err := itr.Advance(100)
	if err != nil {
		t.Fatal(err)
	}
	if doc != 102 {
		t.Errorf("expected first match >= 100 to be 102, got %d", doc)
	}
	if itr.Freq() != 1 {
		t.Errorf("expected freq 1 after advance, got %d", itr.Freq())
	}
	if itr.FieldLength() != 2 {
		t.Errorf("expected field length 2 after advance, got %d", itr.FieldLength())
	}

	// advance to an exact match
	doc, err = itr.Advance(201)
	if err != nil || doc != 201 {
		t.Fatalf("expected doc 201, got %d err %v", doc, err)
	}

	// advancing beyond the last match exhausts
	doc, err = itr.Advance(298)
	if err != nil || doc != DocNumDone {
		t.Fatalf("expected exhaustion, got %d err %v", doc, err)
	}
}

func TestPostingsExcept(t *testing.T) {
	docs := buildTestDocs()
	sb := buildTestSegment(t, docs, 16)
	dict, err := sb.Dictionary("desc")
	if err != nil {
		t.Fatal(err)
	}

	except := roaringFrom(t, 0)
	pl, err := dict.PostingsList([]byte("cat"), except)
	if err != nil {
		t.Fatal(err)
	}
	if pl.Count() != 1 {
		t.Errorf("expected 1 live doc, got %d", pl.Count())
	}
	if pl.DocFreq() != 2 {
		t.Errorf("expected doc freq 2 irrespective of deletions, got %d", pl.DocFreq())
	}
	itr := pl.Iterator(false, false)
	doc, err := itr.Next()
	if err != nil || doc != 1 {
		t.Fatalf("expected doc 1, got %d err %v", doc, err)
	}
}
