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
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blevesearch/fathom/search"
	"github.com/blevesearch/fathom/segment"
)

const dictCacheSize = 64

// segmentHandle is the writer's bookkeeping for one open segment: the
// mmap'd segment, its current deletions, and how many snapshots hold it.
// Mutable fields are guarded by the writer mutex; the dictionary cache is
// safe for concurrent readers.
type segmentHandle struct {
	id        uint64
	seg       *segment.Segment
	dictCache *lru.Cache[string, *segment.Dictionary]

	// guarded by the writer mutex
	delGen   int64
	deleted  *roaring.Bitmap // copy-on-write, nil when none
	snapRefs int
}

func newSegmentHandle(id uint64, seg *segment.Segment, delGen int64,
	deleted *roaring.Bitmap) *segmentHandle {
	cache, _ := lru.New[string, *segment.Dictionary](dictCacheSize)
	return &segmentHandle{
		id:        id,
		seg:       seg,
		dictCache: cache,
		delGen:    delGen,
		deleted:   deleted,
	}
}

func (h *segmentHandle) dictionary(field string) (*segment.Dictionary, error) {
	if dict, ok := h.dictCache.Get(field); ok {
		return dict, nil
	}
	dict, err := h.seg.Dictionary(field)
	if err != nil {
		return nil, err
	}
	if dict != nil {
		h.dictCache.Add(field, dict)
	}
	return dict, nil
}

// segmentSnapshot is one segment as seen by one point-in-time snapshot:
// the shared immutable segment plus the deletions frozen when the
// snapshot was taken.
type segmentSnapshot struct {
	h       *segmentHandle
	deleted *roaring.Bitmap
}

func (ss *segmentSnapshot) Dictionary(field string) (*segment.Dictionary, error) {
	return ss.h.dictionary(field)
}

func (ss *segmentSnapshot) Deleted() *roaring.Bitmap { return ss.deleted }

func (ss *segmentSnapshot) MaxDoc() uint64 { return ss.h.seg.Count() }

func (ss *segmentSnapshot) LiveCount() uint64 {
	n := ss.h.seg.Count()
	if ss.deleted != nil {
		n -= ss.deleted.GetCardinality()
	}
	return n
}

// IndexSnapshot is an immutable, reference-counted view over a fixed
// segment list. It implements search.Reader; global doc ids are local
// ids offset by the prefix sum of preceding segments' maxDoc.
type IndexSnapshot struct {
	w        *Writer
	segments []*segmentSnapshot
	offsets  []uint64
	maxDoc   uint64
	refs     int64
}

func newIndexSnapshot(w *Writer, segments []*segmentSnapshot) *IndexSnapshot {
	rv := &IndexSnapshot{
		w:        w,
		segments: segments,
		offsets:  make([]uint64, len(segments)),
		refs:     1,
	}
	for i, ss := range segments {
		rv.offsets[i] = rv.maxDoc
		rv.maxDoc += ss.MaxDoc()
	}
	return rv
}

// AddRef adds a reference; every AddRef needs a matching Close.
func (s *IndexSnapshot) AddRef() {
	atomic.AddInt64(&s.refs, 1)
}

// Close releases the caller's reference. When the last reference drops
// the snapshot's segments are released and files superseded since the
// snapshot was taken become eligible for deletion.
func (s *IndexSnapshot) Close() error {
	if atomic.AddInt64(&s.refs, -1) == 0 {
		return s.w.releaseSnapshot(s)
	}
	return nil
}

func (s *IndexSnapshot) Segments() []search.SegmentReader {
	rv := make([]search.SegmentReader, len(s.segments))
	for i, ss := range s.segments {
		rv[i] = ss
	}
	return rv
}

// DocCount returns the number of live documents in the snapshot.
func (s *IndexSnapshot) DocCount() uint64 {
	var n uint64
	for _, ss := range s.segments {
		n += ss.LiveCount()
	}
	return n
}

// MaxDoc returns the size of the snapshot's global doc id space,
// deletions included.
func (s *IndexSnapshot) MaxDoc() uint64 { return s.maxDoc }

// DocFreq sums the term's document frequency across segments. Deletions
// are not subtracted; they disappear from the statistic at merge time.
func (s *IndexSnapshot) DocFreq(field string, term []byte) (uint64, error) {
	var n uint64
	for _, ss := range s.segments {
		dict, err := ss.Dictionary(field)
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

// FieldStats sums the per-field doc count and total analyzed length
// across segments, feeding average-field-length normalization.
func (s *IndexSnapshot) FieldStats(field string) (uint64, uint64, error) {
	var docs, sumLen uint64
	for _, ss := range s.segments {
		d, l := ss.h.seg.FieldStats(field)
		docs += d
		sumLen += l
	}
	return docs, sumLen, nil
}

// Search executes the query against this snapshot and returns the top k
// hits by descending score.
func (s *IndexSnapshot) Search(ctx context.Context, q search.Query, k int) (*search.Result, error) {
	start := time.Now()
	rv, err := search.Execute(ctx, s, q, s.w.similarity(), k)
	s.w.metrics.QuerySeconds.Observe(time.Since(start).Seconds())
	return rv, err
}

// segmentFor resolves a global doc id to its segment and local doc id.
func (s *IndexSnapshot) segmentFor(globalDoc uint64) (*segmentSnapshot, uint64, error) {
	if globalDoc >= s.maxDoc {
		return nil, 0, fmt.Errorf("fathom: doc %d out of range [0, %d)", globalDoc, s.maxDoc)
	}
	i := sort.Search(len(s.offsets), func(i int) bool {
		return s.offsets[i] > globalDoc
	}) - 1
	return s.segments[i], globalDoc - s.offsets[i], nil
}

// VisitStoredFields calls the visitor with each stored field of the
// document at a global doc id. The visitor returns false to stop early.
func (s *IndexSnapshot) VisitStoredFields(globalDoc uint64,
	visitor segment.StoredFieldVisitor) error {
	ss, local, err := s.segmentFor(globalDoc)
	if err != nil {
		return err
	}
	return ss.h.seg.VisitStoredFields(local, visitor)
}

// VisitDocValues calls the visitor with the doc value of each requested
// field for the document at a global doc id.
func (s *IndexSnapshot) VisitDocValues(globalDoc uint64, fields []string,
	visitor segment.DocValueVisitor) error {
	ss, local, err := s.segmentFor(globalDoc)
	if err != nil {
		return err
	}
	return ss.h.seg.VisitDocValues(local, fields, visitor)
}
