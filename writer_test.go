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

package fathom

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/blevesearch/fathom/document"
	"github.com/blevesearch/fathom/search"
	"github.com/blevesearch/fathom/store"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkFactor = 16
	return cfg
}

func openTestWriter(t *testing.T, dir store.Directory, cfg Config) *Writer {
	t.Helper()
	w, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("error opening writer: %v", err)
	}
	return w
}

func testDoc(id, body string) document.Document {
	return document.Document{Fields: []document.Field{
		document.NewKeywordField("_id", []byte(id)),
		document.NewTextField("body", []byte(body)),
	}}
}

func addDocs(t *testing.T, w *Writer, docs ...document.Document) {
	t.Helper()
	for _, doc := range docs {
		err := w.AddDocument(doc)
		if err != nil {
			t.Fatalf("error adding document: %v", err)
		}
	}
}

// searchIDs runs a query against a fresh snapshot and returns the stored
// _id of every hit, sorted.
func searchIDs(t *testing.T, w *Writer, q search.Query) []string {
	t.Helper()
	r, err := w.Reader()
	if err != nil {
		t.Fatalf("error opening reader: %v", err)
	}
	defer func() { _ = r.Close() }()

	res, err := r.Search(context.Background(), q, 100)
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	var ids []string
	for _, hit := range res.Hits {
		err = r.VisitStoredFields(hit.Doc, func(field string,
			typ document.ValueType, value []byte) bool {
			if field == "_id" {
				ids = append(ids, string(value))
			}
			return true
		})
		if err != nil {
			t.Fatalf("error visiting stored fields: %v", err)
		}
	}
	sort.Strings(ids)
	return ids
}

func TestWriterLifecycle(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())

	addDocs(t, w,
		testDoc("a", "the quick brown fox"),
		testDoc("b", "the lazy dog"),
		testDoc("c", "quick quick slow"),
	)

	got := searchIDs(t, w, search.NewTermQuery("body", []byte("quick")))
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("expected [a c], got %v", got)
	}

	err := w.Commit()
	if err != nil {
		t.Fatalf("commit error: %v", err)
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("close error: %v", err)
	}

	// committed state survives reopen
	w = openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()
	got = searchIDs(t, w, search.NewTermQuery("body", []byte("quick")))
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("expected [a c] after reopen, got %v", got)
	}
	r, err := w.Reader()
	if err != nil {
		t.Fatal(err)
	}
	if r.DocCount() != 3 {
		t.Errorf("expected 3 docs after reopen, got %d", r.DocCount())
	}
	_ = r.Close()
}

func TestWriterUncommittedLostOnClose(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	addDocs(t, w, testDoc("a", "ephemeral"))

	// visible to a near-real-time reader without a commit
	got := searchIDs(t, w, search.NewTermQuery("body", []byte("ephemeral")))
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected nrt visibility, got %v", got)
	}

	err := w.Close()
	if err != nil {
		t.Fatal(err)
	}

	// never committed, so gone after reopen
	w = openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()
	r, err := w.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	if r.DocCount() != 0 {
		t.Errorf("expected empty index after reopen, got %d docs", r.DocCount())
	}
}

func TestWriterSingleWriterLock(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())

	_, err := Open(dir, testConfig())
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}

	err = w.Close()
	if err != nil {
		t.Fatal(err)
	}
	w = openTestWriter(t, dir, testConfig())
	_ = w.Close()
}

func TestWriterClosed(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	err := w.Close()
	if err != nil {
		t.Fatal(err)
	}

	if err = w.AddDocument(testDoc("a", "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from AddDocument, got %v", err)
	}
	if err = w.Commit(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Commit, got %v", err)
	}
	if _, err = w.Reader(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Reader, got %v", err)
	}
	if err = w.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from double Close, got %v", err)
	}
}

func TestWriterDeleteDocuments(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()

	addDocs(t, w, testDoc("a", "red apple"), testDoc("b", "green apple"))
	err := w.Flush()
	if err != nil {
		t.Fatal(err)
	}

	// delete against a flushed segment
	err = w.DeleteDocuments("_id", []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	got := searchIDs(t, w, search.NewTermQuery("body", []byte("apple")))
	if !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("expected [b], got %v", got)
	}

	// delete against still-buffered documents
	addDocs(t, w, testDoc("c", "yellow apple"))
	err = w.DeleteDocuments("_id", []byte("c"))
	if err != nil {
		t.Fatal(err)
	}
	got = searchIDs(t, w, search.NewTermQuery("body", []byte("apple")))
	if !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("expected buffered doc deleted too, got %v", got)
	}
}

func TestWriterDeleteByQuery(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()

	addDocs(t, w,
		testDoc("a", "alpha common"),
		testDoc("b", "beta common"),
		testDoc("c", "gamma rare"),
	)
	err := w.DeleteByQuery(search.NewTermQuery("body", []byte("common")))
	if err != nil {
		t.Fatal(err)
	}

	got := searchIDs(t, w, search.NewMatchAllQuery())
	if !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("expected only [c] to survive, got %v", got)
	}
}

func TestWriterUpdateDocument(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()

	addDocs(t, w, testDoc("a", "version one"))
	err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}

	err = w.UpdateDocument("_id", []byte("a"), testDoc("a", "version two"))
	if err != nil {
		t.Fatal(err)
	}

	// the replacement survives its own delete
	got := searchIDs(t, w, search.NewTermQuery("body", []byte("two")))
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected updated doc, got %v", got)
	}
	got = searchIDs(t, w, search.NewTermQuery("body", []byte("one")))
	if len(got) != 0 {
		t.Errorf("expected old version gone, got %v", got)
	}
	r, err := w.Reader()
	if err != nil {
		t.Fatal(err)
	}
	if r.DocCount() != 1 {
		t.Errorf("expected 1 live doc after update, got %d", r.DocCount())
	}
	_ = r.Close()

	// repeated update within one buffer generation keeps the last one
	err = w.UpdateDocument("_id", []byte("a"), testDoc("a", "version three"))
	if err != nil {
		t.Fatal(err)
	}
	err = w.UpdateDocument("_id", []byte("a"), testDoc("a", "version four"))
	if err != nil {
		t.Fatal(err)
	}
	got = searchIDs(t, w, search.NewTermQuery("body", []byte("four")))
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected final version, got %v", got)
	}
}

func TestWriterSchemaConflict(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()

	addDocs(t, w, testDoc("a", "hello world"))

	// body was indexed with positions; a keyword rendition narrows it
	conflicting := document.Document{Fields: []document.Field{
		document.NewKeywordField("body", []byte("verbatim")),
	}}
	err := w.AddDocument(conflicting)
	var conflict *document.OptionsConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected OptionsConflictError, got %v", err)
	}
	if conflict.Field != "body" {
		t.Errorf("expected conflict on body, got %s", conflict.Field)
	}

	// the failed document was not buffered and the writer still works
	stats := w.Stats()
	if stats.BufferedDocs != 1 {
		t.Errorf("expected 1 buffered doc, got %d", stats.BufferedDocs)
	}
	addDocs(t, w, testDoc("b", "hello again"))
	got := searchIDs(t, w, search.NewTermQuery("body", []byte("hello")))
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", got)
	}
}

func TestWriterRollback(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()

	addDocs(t, w, testDoc("a", "committed doc"))
	err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}

	// a flushed-but-uncommitted segment, a buffered doc and a pending
	// delete all roll back
	addDocs(t, w, testDoc("b", "flushed doc"))
	err = w.Flush()
	if err != nil {
		t.Fatal(err)
	}
	addDocs(t, w, testDoc("c", "buffered doc"))
	err = w.DeleteDocuments("_id", []byte("a"))
	if err != nil {
		t.Fatal(err)
	}

	err = w.Rollback()
	if err != nil {
		t.Fatalf("rollback error: %v", err)
	}

	got := searchIDs(t, w, search.NewMatchAllQuery())
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected only the committed doc, got %v", got)
	}
	stats := w.Stats()
	if stats.BufferedDocs != 0 || stats.PendingDeletes != 0 {
		t.Errorf("expected empty buffer after rollback, got %+v", stats)
	}
}

func TestWriterAutoFlush(t *testing.T) {
	dir := store.NewMemDirectory()
	cfg := testConfig()
	cfg.MaxBufferedDocs = 2
	w := openTestWriter(t, dir, cfg)
	defer func() { _ = w.Close() }()

	addDocs(t, w, testDoc("a", "one"), testDoc("b", "two"))
	stats := w.Stats()
	if stats.BufferedDocs != 0 {
		t.Errorf("expected auto flush at 2 buffered docs, got %d buffered", stats.BufferedDocs)
	}
	if stats.Segments != 1 {
		t.Errorf("expected 1 segment, got %d", stats.Segments)
	}
}

func TestWriterMergeUnderSnapshot(t *testing.T) {
	dir := store.NewMemDirectory()
	cfg := testConfig()
	cfg.MergeFanIn = 2
	cfg.MaxConcurrentMerges = 1
	w := openTestWriter(t, dir, cfg)
	defer func() { _ = w.Close() }()

	addDocs(t, w, testDoc("a", "first segment"))
	err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}

	// hold a snapshot across the merge
	snap, err := w.Reader()
	if err != nil {
		t.Fatal(err)
	}

	addDocs(t, w, testDoc("b", "second segment"))
	err = w.Commit()
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		stats := w.Stats()
		if stats.LastMergeErr != nil {
			t.Fatalf("merge error: %v", stats.LastMergeErr)
		}
		if stats.Segments == 1 && stats.InFlightMerges == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("merge never completed: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the held snapshot still reads its pre-merge view
	res, err := snap.Search(context.Background(),
		search.NewTermQuery("body", []byte("first")), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 1 {
		t.Errorf("expected pre-merge snapshot to keep matching, got %d hits", len(res.Hits))
	}
	if snap.DocCount() != 1 {
		t.Errorf("expected snapshot doc count 1, got %d", snap.DocCount())
	}
	err = snap.Close()
	if err != nil {
		t.Fatal(err)
	}

	// post-merge readers see everything in the single merged segment
	got := searchIDs(t, w, search.NewMatchAllQuery())
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected [a b] after merge, got %v", got)
	}
}

func TestWriterMergeCarriesDeletes(t *testing.T) {
	dir := store.NewMemDirectory()
	cfg := testConfig()
	cfg.MergeFanIn = 2
	w := openTestWriter(t, dir, cfg)
	defer func() { _ = w.Close() }()

	for i := 0; i < 4; i++ {
		addDocs(t, w, testDoc(fmt.Sprintf("doc-%d", i), "filler text"))
		err := w.Commit()
		if err != nil {
			t.Fatal(err)
		}
	}
	err := w.DeleteDocuments("_id", []byte("doc-1"))
	if err != nil {
		t.Fatal(err)
	}
	err = w.Commit()
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		stats := w.Stats()
		if stats.LastMergeErr != nil {
			t.Fatalf("merge error: %v", stats.LastMergeErr)
		}
		if stats.InFlightMerges == 0 && stats.Segments <= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("merges never settled: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := searchIDs(t, w, search.NewMatchAllQuery())
	if !reflect.DeepEqual(got, []string{"doc-0", "doc-2", "doc-3"}) {
		t.Errorf("expected delete to survive merging, got %v", got)
	}
}

func TestWriterCommitPointsReferenceLiveFiles(t *testing.T) {
	dir := store.NewMemDirectory()
	cfg := testConfig()
	cfg.MergeFanIn = 2
	cfg.MaxConcurrentMerges = 2
	w := openTestWriter(t, dir, cfg)
	defer func() { _ = w.Close() }()

	// merges completing while a commit point is written must not drop
	// files the commit point names
	for i := 0; i < 150; i++ {
		addDocs(t, w, testDoc(fmt.Sprintf("d%03d", i), "filler text"))
		err := w.Commit()
		if err != nil {
			t.Fatal(err)
		}
		infos, err := ReadCommit(dir)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range infos.Entries() {
			in, err := dir.OpenInput(segmentFileName(e.ID))
			if err != nil {
				t.Fatalf("iter %d: commit point references missing segment %x: %v",
					i, e.ID, err)
			}
			_ = in.Close()
			if e.DelGen >= 0 {
				in, err = dir.OpenInput(deletesFileName(e.ID, e.DelGen))
				if err != nil {
					t.Fatalf("iter %d: commit point references missing deletes for %x: %v",
						i, e.ID, err)
				}
				_ = in.Close()
			}
		}
	}
}

func TestWriterDeletesSurviveConcurrentMerges(t *testing.T) {
	dir := store.NewMemDirectory()
	cfg := testConfig()
	cfg.MergeFanIn = 2
	cfg.MaxConcurrentMerges = 2
	w := openTestWriter(t, dir, cfg)
	defer func() { _ = w.Close() }()

	// a merge swapping out a flush's frozen sources must not strand the
	// flush's resolved deletions on the replaced segments
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("d%03d", i)
		addDocs(t, w, testDoc(id, "filler text"))
		err := w.Flush()
		if err != nil {
			t.Fatal(err)
		}
		err = w.DeleteDocuments("_id", []byte(id))
		if err != nil {
			t.Fatal(err)
		}
		got := searchIDs(t, w, search.NewTermQuery("_id", []byte(id)))
		if len(got) != 0 {
			t.Fatalf("iter %d: deleted doc %s still visible", i, id)
		}
	}
	if err := w.Stats().LastMergeErr; err != nil {
		t.Fatalf("merge error: %v", err)
	}
}

func TestWriterFlushCloseRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		dir := store.NewMemDirectory()
		w := openTestWriter(t, dir, testConfig())
		addDocs(t, w, testDoc("a", "one"), testDoc("b", "two"))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Flush()
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("flush error: %v", err)
			}
		}()
		err := w.Close()
		if err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		// a flush racing Close must not install a handle after Close
		// released them all
		w.mu.Lock()
		remaining := len(w.handles)
		w.mu.Unlock()
		if remaining != 0 {
			t.Fatalf("iter %d: %d segment handles leaked past close", i, remaining)
		}
	}
}

func TestSnapshotStoredAndDocValues(t *testing.T) {
	dir := store.NewMemDirectory()
	w := openTestWriter(t, dir, testConfig())
	defer func() { _ = w.Close() }()

	addDocs(t, w, testDoc("a", "alpha"), testDoc("b", "beta"))
	err := w.Flush()
	if err != nil {
		t.Fatal(err)
	}
	addDocs(t, w, testDoc("c", "gamma"))

	r, err := w.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	if r.MaxDoc() != 3 {
		t.Fatalf("expected 3 docs across segments, got %d", r.MaxDoc())
	}

	// global doc 2 lives in the second segment
	var id string
	err = r.VisitDocValues(2, []string{"_id"}, func(field string,
		typ document.ValueType, value []byte) {
		id = string(value)
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "c" {
		t.Errorf("expected doc value c for global doc 2, got %s", id)
	}

	_, _, err = r.segmentFor(3)
	if err == nil {
		t.Error("expected error for out-of-range doc")
	}
}
