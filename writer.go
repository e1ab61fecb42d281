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

// Package fathom is an embedded full-text search engine: documents are
// buffered in RAM, flushed into immutable on-disk segments, merged in the
// background, and queried through point-in-time snapshots.
package fathom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/blevesearch/fathom/document"
	"github.com/blevesearch/fathom/search"
	"github.com/blevesearch/fathom/segment"
	"github.com/blevesearch/fathom/store"
)

// WriteLockName is the advisory lock guarding single-writer access to a
// directory.
const WriteLockName = "write.lock"

// pendingDelete is one recorded deletion criterion. seq is the number of
// documents buffered before it was recorded: buffered documents at or
// past seq survive the delete, so update (delete then add) does not
// delete its own replacement.
type pendingDelete struct {
	field string
	term  []byte
	query search.Query
	seq   int
}

// Writer is the single mutation authority for an index directory. It
// owns the RAM buffer, pending deletions, the current segment list and
// the background merge machinery. One Writer may be open per directory,
// enforced by an exclusive lock.
type Writer struct {
	dir     store.Directory
	cfg     Config
	metrics *Metrics
	lock    store.Lock

	// flushMu serializes flush, commit and rollback against each other;
	// AddDocument only contends on mu.
	flushMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	infos     *SegmentInfos
	committed *SegmentInfos
	handles   map[uint64]*segmentHandle
	fieldOpts map[string]document.IndexingOptions
	buf       []document.Document
	bufBytes  int64
	pending   []pendingDelete
	merging   map[uint64]struct{}
	mergeErr  error

	mergeGroup *errgroup.Group
	mergeCh    chan *mergeResult
	mergeDone  chan struct{}
}

// Open opens or creates an index in dir. It fails with ErrLockHeld when
// another writer holds the directory.
func Open(dir store.Directory, cfg Config) (*Writer, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	lock, err := dir.ObtainLock(WriteLockName)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		dir:       dir,
		cfg:       cfg,
		metrics:   NewMetrics(),
		lock:      lock,
		handles:   map[uint64]*segmentHandle{},
		fieldOpts: map[string]document.IndexingOptions{},
		merging:   map[uint64]struct{}{},
		mergeCh:   make(chan *mergeResult),
		mergeDone: make(chan struct{}),
	}

	w.infos, err = loadSegmentInfos(dir)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	w.committed = w.infos.clone()

	for _, e := range w.infos.segments {
		h, err := w.openSegment(e)
		if err != nil {
			w.closeHandlesLocked()
			_ = lock.Release()
			return nil, err
		}
		w.handles[e.id] = h
		for _, field := range h.seg.Fields() {
			opts, _ := h.seg.FieldOptions(field)
			w.fieldOpts[field] |= opts
		}
	}

	w.cleanupFilesLocked()

	w.mergeGroup, _ = errgroup.WithContext(context.Background())
	w.mergeGroup.SetLimit(cfg.MaxConcurrentMerges)
	go w.mergeLoop()

	return w, nil
}

func (w *Writer) openSegment(e segmentEntry) (*segmentHandle, error) {
	name := segmentFileName(e.id)
	in, err := w.dir.OpenInput(name)
	if err != nil {
		return nil, err
	}
	seg, err := segment.Open(in)
	if err != nil {
		_ = in.Close()
		if errors.Is(err, segment.ErrCorrupted) {
			return nil, &CorruptError{Name: name, Err: err}
		}
		return nil, fmt.Errorf("fathom: opening %s: %w", name, err)
	}
	var deleted *roaring.Bitmap
	if e.delGen >= 0 {
		deleted, err = loadDeletes(w.dir, e.id, e.delGen)
		if err != nil {
			_ = seg.DecRef()
			return nil, err
		}
	}
	return newSegmentHandle(e.id, seg, e.delGen, deleted), nil
}

func (w *Writer) closeHandlesLocked() {
	for _, h := range w.handles {
		_ = h.seg.DecRef()
	}
	w.handles = map[uint64]*segmentHandle{}
}

func (w *Writer) similarity() search.Similarity {
	return search.Similarity{K1: w.cfg.Similarity.K1, B: w.cfg.Similarity.B}
}

// AddDocument appends one document to the RAM buffer. It fails with a
// document.OptionsConflictError, without touching the buffer, when a
// field's indexing options narrow what the index has already observed.
func (w *Writer) AddDocument(doc document.Document) error {
	return w.addDocument(doc, nil)
}

// UpdateDocument atomically replaces the documents matching an exact
// term with doc: the delete applies to everything buffered or flushed
// before this call, never to doc itself.
func (w *Writer) UpdateDocument(field string, term []byte, doc document.Document) error {
	return w.addDocument(doc, &pendingDelete{field: field, term: append([]byte(nil), term...)})
}

func (w *Writer) addDocument(doc document.Document, del *pendingDelete) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	err := w.checkSchemaLocked(doc)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if del != nil {
		del.seq = len(w.buf)
		w.pending = append(w.pending, *del)
	}
	for _, field := range doc.Fields {
		w.fieldOpts[field.Name] |= field.Options
	}
	w.buf = append(w.buf, doc)
	w.bufBytes += estimateDocBytes(doc)
	w.metrics.DocsAdded.Inc()
	full := len(w.buf) >= w.cfg.MaxBufferedDocs || w.bufBytes >= w.cfg.MaxBufferedBytes
	w.mu.Unlock()

	if full {
		return w.Flush()
	}
	return nil
}

func (w *Writer) checkSchemaLocked(doc document.Document) error {
	seen := map[string]document.IndexingOptions{}
	for _, field := range doc.Fields {
		have, ok := w.fieldOpts[field.Name]
		if !ok {
			have, ok = seen[field.Name]
		}
		if ok && have.Narrows(field.Options) {
			return &document.OptionsConflictError{
				Field: field.Name,
				Have:  have,
				Got:   field.Options,
			}
		}
		seen[field.Name] = have | field.Options
	}
	return nil
}

func estimateDocBytes(doc document.Document) int64 {
	rv := int64(64)
	for _, field := range doc.Fields {
		rv += int64(len(field.Name) + len(field.Value) + 96)
	}
	return rv
}

// DeleteDocuments records a delete of every document containing the
// exact term. It takes effect at the next flush.
func (w *Writer) DeleteDocuments(field string, term []byte) error {
	return w.recordDelete(pendingDelete{field: field, term: append([]byte(nil), term...)})
}

// DeleteByQuery records a delete of every document matching the query,
// resolved against a flush-time view of each segment.
func (w *Writer) DeleteByQuery(q search.Query) error {
	return w.recordDelete(pendingDelete{query: q})
}

func (w *Writer) recordDelete(del pendingDelete) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	del.seq = len(w.buf)
	w.pending = append(w.pending, del)
	return nil
}

// Flush turns the RAM buffer into a new immutable segment and applies
// pending deletions. On failure the buffer and pending deletions are
// restored so the caller can retry.
func (w *Writer) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	err := w.flushLocked()
	if err != nil {
		return err
	}
	w.maybeMerge()
	return nil
}

// frozenSegment captures one existing segment and its deletions at the
// start of a flush.
type frozenSegment struct {
	h       *segmentHandle
	deleted *roaring.Bitmap
	delGen  int64
}

func (w *Writer) flushLocked() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	buf, pending := w.buf, w.pending
	if len(buf) == 0 && len(pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	bufBytes := w.bufBytes
	w.buf, w.pending, w.bufBytes = nil, nil, 0
	var newID uint64
	if len(buf) > 0 {
		newID = w.infos.nextSegID
		w.infos.nextSegID++
	}
	existing := make([]frozenSegment, 0, len(w.infos.segments))
	for _, e := range w.infos.segments {
		h := w.handles[e.id]
		existing = append(existing, frozenSegment{h: h, deleted: h.deleted, delGen: h.delGen})
	}
	w.mu.Unlock()

	restore := func() {
		w.mu.Lock()
		for i := range w.pending {
			w.pending[i].seq += len(buf)
		}
		w.buf = append(buf, w.buf...)
		w.pending = append(pending, w.pending...)
		w.bufBytes += bufBytes
		w.mu.Unlock()
	}

	newHandle, err := w.buildSegment(newID, buf)
	if err != nil {
		restore()
		return err
	}

	updated, deletedCount, err := w.applyDeletes(existing, newHandle, pending, len(buf))
	if err != nil {
		if newHandle != nil {
			_ = newHandle.seg.DecRef()
			_ = w.dir.DeleteFile(segmentFileName(newID))
		}
		restore()
		return err
	}

	w.mu.Lock()
	if w.closed {
		// Close ran while we were building; installing now would leak a
		// handle past closeHandlesLocked
		w.mu.Unlock()
		if newHandle != nil {
			_ = newHandle.seg.DecRef()
			_ = w.dir.DeleteFile(segmentFileName(newID))
			if newHandle.delGen >= 0 {
				_ = w.dir.DeleteFile(deletesFileName(newHandle.id, newHandle.delGen))
			}
		}
		return ErrClosed
	}
	for _, fs := range updated {
		fs.h.deleted = fs.deleted
		fs.h.delGen = fs.delGen
		for i, e := range w.infos.segments {
			if e.id == fs.h.id {
				w.infos.segments[i].delGen = fs.delGen
			}
		}
	}
	if newHandle != nil {
		w.handles[newHandle.id] = newHandle
		w.infos.segments = append(w.infos.segments, segmentEntry{
			id:       newHandle.id,
			delGen:   newHandle.delGen,
			docCount: newHandle.seg.Count(),
		})
	}
	w.mu.Unlock()

	w.metrics.Flushes.Inc()
	if deletedCount > 0 {
		w.metrics.DocsDeleted.Add(float64(deletedCount))
	}
	return nil
}

// buildSegment turns buffered documents into a persisted, opened
// segment. A nil return with nil error means there was nothing to build.
func (w *Writer) buildSegment(id uint64, buf []document.Document) (*segmentHandle, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	sb, err := segment.New(buf, w.cfg.ChunkFactor)
	if err != nil {
		return nil, err
	}
	name := segmentFileName(id)
	err = segment.Persist(sb, w.dir, name)
	if err != nil {
		return nil, err
	}
	in, err := w.dir.OpenInput(name)
	if err != nil {
		return nil, err
	}
	seg, err := segment.Open(in)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	return newSegmentHandle(id, seg, -1, nil), nil
}

// applyDeletes resolves the pending deletions against the existing
// segments (every document predates the delete) and the new segment
// (only documents buffered before the delete's seq). It persists new
// deletion files and returns the existing segments whose deletions
// changed.
func (w *Writer) applyDeletes(existing []frozenSegment, newHandle *segmentHandle,
	pending []pendingDelete, newDocs int) ([]frozenSegment, uint64, error) {
	if len(pending) == 0 {
		return nil, 0, nil
	}
	var updated []frozenSegment
	var count uint64
	for _, fs := range existing {
		matched, err := w.resolveDeletes(fs.h, fs.deleted, pending, fs.h.seg.Count())
		if err != nil {
			return nil, 0, err
		}
		if matched == nil {
			continue
		}
		deleted := matched
		if fs.deleted != nil {
			deleted = roaring.Or(fs.deleted, matched)
		}
		delGen := fs.delGen + 1
		err = writeDeletes(w.dir, fs.h.id, delGen, deleted)
		if err != nil {
			return nil, 0, err
		}
		count += matched.GetCardinality()
		updated = append(updated, frozenSegment{h: fs.h, deleted: deleted, delGen: delGen})
	}
	if newHandle != nil {
		matched, err := w.resolveDeletesSeq(newHandle, pending)
		if err != nil {
			return nil, 0, err
		}
		if matched != nil {
			err = writeDeletes(w.dir, newHandle.id, 0, matched)
			if err != nil {
				return nil, 0, err
			}
			count += matched.GetCardinality()
			newHandle.deleted = matched
			newHandle.delGen = 0
		}
	}
	return updated, count, nil
}

func (w *Writer) resolveDeletes(h *segmentHandle, alreadyDeleted *roaring.Bitmap,
	pending []pendingDelete, cutoff uint64) (*roaring.Bitmap, error) {
	var rv *roaring.Bitmap
	for _, del := range pending {
		matched, err := w.matchDocs(h, alreadyDeleted, del, cutoff)
		if err != nil {
			return nil, err
		}
		if matched == nil || matched.IsEmpty() {
			continue
		}
		if rv == nil {
			rv = matched
		} else {
			rv.Or(matched)
		}
	}
	return rv, nil
}

// resolveDeletesSeq applies each delete to the just-built segment with
// the delete's own cutoff, so later-buffered documents survive.
func (w *Writer) resolveDeletesSeq(h *segmentHandle,
	pending []pendingDelete) (*roaring.Bitmap, error) {
	var rv *roaring.Bitmap
	for _, del := range pending {
		if del.seq == 0 {
			continue
		}
		matched, err := w.matchDocs(h, nil, del, uint64(del.seq))
		if err != nil {
			return nil, err
		}
		if matched == nil || matched.IsEmpty() {
			continue
		}
		if rv == nil {
			rv = matched
		} else {
			rv.Or(matched)
		}
	}
	return rv, nil
}

// matchDocs returns the local doc ids below cutoff matching one delete
// criterion.
func (w *Writer) matchDocs(h *segmentHandle, alreadyDeleted *roaring.Bitmap,
	del pendingDelete, cutoff uint64) (*roaring.Bitmap, error) {
	ss := &segmentSnapshot{h: h, deleted: alreadyDeleted}
	rv := roaring.New()

	if del.term != nil {
		dict, err := ss.Dictionary(del.field)
		if err != nil {
			return nil, err
		}
		if dict == nil {
			return nil, nil
		}
		pl, err := dict.PostingsList(del.term, alreadyDeleted)
		if err != nil {
			return nil, err
		}
		itr := pl.Iterator(false, false)
		doc, err := itr.Next()
		for err == nil && doc != segment.DocNumDone && doc < cutoff {
			rv.Add(uint32(doc))
			doc, err = itr.Next()
		}
		if err != nil {
			return nil, err
		}
		return rv, nil
	}

	weight, err := del.query.Weight(&singleSegmentReader{ss: ss}, w.similarity())
	if err != nil {
		return nil, err
	}
	scorer, err := weight.Scorer(ss)
	if err != nil {
		return nil, err
	}
	if scorer == nil {
		return nil, nil
	}
	doc, err := scorer.NextDoc()
	for err == nil && doc != search.DocDone && doc < cutoff {
		rv.Add(uint32(doc))
		doc, err = scorer.NextDoc()
	}
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// singleSegmentReader adapts one segment to search.Reader for delete-by-
// query resolution.
type singleSegmentReader struct {
	ss *segmentSnapshot
}

func (r *singleSegmentReader) Segments() []search.SegmentReader {
	return []search.SegmentReader{r.ss}
}

func (r *singleSegmentReader) DocCount() uint64 { return r.ss.LiveCount() }

func (r *singleSegmentReader) DocFreq(field string, term []byte) (uint64, error) {
	dict, err := r.ss.Dictionary(field)
	if err != nil || dict == nil {
		return 0, err
	}
	pl, err := dict.PostingsList(term, nil)
	if err != nil {
		return 0, err
	}
	return pl.DocFreq(), nil
}

func (r *singleSegmentReader) FieldStats(field string) (uint64, uint64, error) {
	docs, sumLen := r.ss.h.seg.FieldStats(field)
	return docs, sumLen, nil
}

// Commit makes everything added and deleted so far durable: it flushes
// the buffer and writes a new commit point under the next generation.
// The atomic rename of the commit point is the durability transition.
func (w *Writer) Commit() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	err := w.flushLocked()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	next := w.infos.clone()
	next.generation = w.infos.generation + 1
	w.mu.Unlock()

	err = next.write(w.dir)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.infos.generation = next.generation
	w.committed = next
	w.cleanupFilesLocked()
	w.mu.Unlock()

	w.maybeMerge()
	return nil
}

// Rollback drops the RAM buffer, pending deletions and every uncommitted
// segment, returning the index to its last commit point.
func (w *Writer) Rollback() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	w.buf, w.pending, w.bufBytes = nil, nil, 0

	restored := w.committed.clone()
	for _, e := range restored.segments {
		h := w.handles[e.id]
		if h == nil {
			nh, err := w.openSegment(e)
			if err != nil {
				return err
			}
			w.handles[e.id] = nh
			continue
		}
		if h.delGen != e.delGen {
			var deleted *roaring.Bitmap
			if e.delGen >= 0 {
				var err error
				deleted, err = loadDeletes(w.dir, e.id, e.delGen)
				if err != nil {
					return err
				}
			}
			h.deleted = deleted
			h.delGen = e.delGen
		}
	}
	w.infos = restored

	for id, h := range w.handles {
		if !restored.contains(id) {
			w.maybeDropLocked(h)
		}
	}
	return nil
}

// Reader returns a near-real-time snapshot reflecting every add and
// delete so far, committed or not. The caller must Close it.
func (w *Writer) Reader() (*IndexSnapshot, error) {
	w.mu.Lock()
	dirty := len(w.buf) > 0 || len(w.pending) > 0
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if dirty {
		err := w.Flush()
		if err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	segments := make([]*segmentSnapshot, 0, len(w.infos.segments))
	for _, e := range w.infos.segments {
		h := w.handles[e.id]
		h.snapRefs++
		segments = append(segments, &segmentSnapshot{h: h, deleted: h.deleted})
	}
	w.metrics.ActiveSnapshots.Inc()
	return newIndexSnapshot(w, segments), nil
}

func (w *Writer) releaseSnapshot(s *IndexSnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ss := range s.segments {
		ss.h.snapRefs--
		w.maybeDropLocked(ss.h)
	}
	w.metrics.ActiveSnapshots.Dec()
	return nil
}

// maybeDropLocked releases a segment's files once nothing references it:
// no snapshot, no in-flight merge, and neither the current nor the
// committed segment list.
func (w *Writer) maybeDropLocked(h *segmentHandle) {
	if h.snapRefs > 0 || w.closed {
		return
	}
	if _, ok := w.merging[h.id]; ok {
		return
	}
	if w.infos.contains(h.id) || w.committed.contains(h.id) {
		return
	}
	if _, ok := w.handles[h.id]; !ok {
		return
	}
	delete(w.handles, h.id)
	_ = h.seg.DecRef()
	_ = w.dir.DeleteFile(segmentFileName(h.id))
	if h.delGen >= 0 {
		_ = w.dir.DeleteFile(deletesFileName(h.id, h.delGen))
	}
}

// cleanupFilesLocked removes index files no longer referenced by the
// current or committed segment lists, any live handle, or the current
// commit point. Foreign files are left alone.
func (w *Writer) cleanupFilesLocked() {
	names, err := w.dir.ListAll()
	if err != nil {
		return
	}
	keep := map[string]struct{}{
		WriteLockName: {},
	}
	if w.committed.generation > 0 {
		keep[infosFileName(w.committed.generation)] = struct{}{}
	}
	for _, h := range w.handles {
		keep[segmentFileName(h.id)] = struct{}{}
		if h.delGen >= 0 {
			keep[deletesFileName(h.id, h.delGen)] = struct{}{}
		}
	}
	for _, si := range []*SegmentInfos{w.infos, w.committed} {
		for _, e := range si.segments {
			keep[segmentFileName(e.id)] = struct{}{}
			if e.delGen >= 0 {
				keep[deletesFileName(e.id, e.delGen)] = struct{}{}
			}
		}
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if strings.HasSuffix(name, ".fseg") || strings.HasSuffix(name, ".del") ||
			strings.HasSuffix(name, ".tmp") || strings.HasPrefix(name, infosPrefix) {
			_ = w.dir.DeleteFile(name)
		}
	}
}

// WriterStats is a point-in-time summary of writer state.
type WriterStats struct {
	BufferedDocs        int
	PendingDeletes      int
	Segments            int
	LiveDocs            uint64
	MaxDoc              uint64
	InFlightMerges      int
	CommittedGeneration uint64
	LastMergeErr        error
}

func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	rv := WriterStats{
		BufferedDocs:        len(w.buf),
		PendingDeletes:      len(w.pending),
		Segments:            len(w.infos.segments),
		InFlightMerges:      len(w.merging),
		CommittedGeneration: w.committed.generation,
		LastMergeErr:        w.mergeErr,
	}
	for _, e := range w.infos.segments {
		h := w.handles[e.id]
		rv.MaxDoc += h.seg.Count()
		live := h.seg.Count()
		if h.deleted != nil {
			live -= h.deleted.GetCardinality()
		}
		rv.LiveDocs += live
	}
	return rv
}

// Metrics returns the writer's instrumentation for registration.
func (w *Writer) Metrics() *Metrics { return w.metrics }

// Close releases the writer: in-flight merges are waited out, open
// segments are released, and the write lock is dropped. Buffered but
// unflushed documents are discarded; call Commit first for durability.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	w.mu.Unlock()

	_ = w.mergeGroup.Wait()
	close(w.mergeCh)
	<-w.mergeDone

	w.mu.Lock()
	w.closeHandlesLocked()
	w.mu.Unlock()

	return w.lock.Release()
}
