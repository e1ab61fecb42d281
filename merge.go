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
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/blevesearch/fathom/segment"
)

// mergeSpec is one planned merge: the source segments, reserved while
// the merge runs, and their deletions frozen at planning time. Deletions
// arriving afterwards are remapped onto the merged segment at
// completion.
type mergeSpec struct {
	newID      uint64
	sources    []*segmentHandle
	srcDeleted []*roaring.Bitmap
}

type mergeResult struct {
	spec       *mergeSpec
	merged     *segmentHandle
	newDocNums [][]uint64
	err        error
}

// mergeLoop is the single consumer of merge completions. Each completion
// runs under flushMu so it is serialized with Flush, Commit and Rollback:
// a merge may not swap sources out of the segment set while a flush is
// resolving deletions against it or a commit point naming those sources
// is still being written.
func (w *Writer) mergeLoop() {
	for res := range w.mergeCh {
		w.flushMu.Lock()
		w.completeMerge(res)
		w.flushMu.Unlock()
		w.maybeMerge()
	}
	close(w.mergeDone)
}

// maybeMerge plans and launches merges until the policy finds no
// candidate or the worker pool is full.
func (w *Writer) maybeMerge() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.closed {
		spec := w.planMergeLocked()
		if spec == nil {
			return
		}
		launched := w.mergeGroup.TryGo(func() error {
			w.mergeCh <- w.executeMerge(spec)
			return nil
		})
		if !launched {
			// pool full; the next completion replans
			w.unplanMergeLocked(spec)
			return
		}
	}
}

func (w *Writer) liveCountLocked(e segmentEntry) uint64 {
	h := w.handles[e.id]
	live := h.seg.Count()
	if h.deleted != nil {
		live -= h.deleted.GetCardinality()
	}
	return live
}

// planMergeLocked picks one merge candidate set: any segment whose
// deleted ratio crossed the reclaim threshold, else the smallest fan-in
// segments of any tier that accumulated a full fan-in. Tiers bucket
// segments by log(liveDocs) base the configured growth factor. Segments
// already merging are skipped; a segment joins at most one in-flight
// merge.
func (w *Writer) planMergeLocked() *mergeSpec {
	var eligible []segmentEntry
	for _, e := range w.infos.segments {
		if _, busy := w.merging[e.id]; !busy {
			eligible = append(eligible, e)
		}
	}

	for _, e := range eligible {
		h := w.handles[e.id]
		if h.deleted == nil || e.docCount == 0 {
			continue
		}
		ratio := float64(h.deleted.GetCardinality()) / float64(e.docCount)
		if ratio >= w.cfg.MergeDeletedRatio {
			return w.reserveMergeLocked([]segmentEntry{e})
		}
	}

	tiers := map[int][]segmentEntry{}
	for _, e := range eligible {
		live := w.liveCountLocked(e)
		if live == 0 {
			live = 1
		}
		tier := int(math.Log(float64(live)) / math.Log(w.cfg.MergeGrowthFactor))
		tiers[tier] = append(tiers[tier], e)
	}
	for _, members := range tiers {
		if len(members) < w.cfg.MergeFanIn {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			return w.liveCountLocked(members[i]) < w.liveCountLocked(members[j])
		})
		chosen := members[:w.cfg.MergeFanIn]
		// restore index order so merged doc ids follow segment order
		byID := map[uint64]struct{}{}
		for _, e := range chosen {
			byID[e.id] = struct{}{}
		}
		var ordered []segmentEntry
		for _, e := range w.infos.segments {
			if _, ok := byID[e.id]; ok {
				ordered = append(ordered, e)
			}
		}
		return w.reserveMergeLocked(ordered)
	}
	return nil
}

func (w *Writer) reserveMergeLocked(entries []segmentEntry) *mergeSpec {
	spec := &mergeSpec{
		newID:      w.infos.nextSegID,
		sources:    make([]*segmentHandle, len(entries)),
		srcDeleted: make([]*roaring.Bitmap, len(entries)),
	}
	w.infos.nextSegID++
	for i, e := range entries {
		h := w.handles[e.id]
		h.snapRefs++
		w.merging[e.id] = struct{}{}
		spec.sources[i] = h
		spec.srcDeleted[i] = h.deleted
	}
	return spec
}

func (w *Writer) unplanMergeLocked(spec *mergeSpec) {
	for _, src := range spec.sources {
		delete(w.merging, src.id)
		src.snapRefs--
		w.maybeDropLocked(src)
	}
}

// executeMerge runs outside the writer mutex: sources are immutable and
// reserved, so only the result handoff needs coordination.
func (w *Writer) executeMerge(spec *mergeSpec) *mergeResult {
	bases := make([]*segment.SegmentBase, len(spec.sources))
	for i, src := range spec.sources {
		bases[i] = &src.seg.SegmentBase
	}
	sb, newDocNums, err := segment.Merge(bases, spec.srcDeleted, w.cfg.ChunkFactor)
	if err != nil {
		return &mergeResult{spec: spec, err: err}
	}
	name := segmentFileName(spec.newID)
	err = segment.Persist(sb, w.dir, name)
	if err != nil {
		return &mergeResult{spec: spec, err: err}
	}
	in, err := w.dir.OpenInput(name)
	if err != nil {
		return &mergeResult{spec: spec, err: err}
	}
	seg, err := segment.Open(in)
	if err != nil {
		_ = in.Close()
		_ = w.dir.DeleteFile(name)
		return &mergeResult{spec: spec, err: err}
	}
	return &mergeResult{
		spec:       spec,
		merged:     newSegmentHandle(spec.newID, seg, -1, nil),
		newDocNums: newDocNums,
	}
}

// completeMerge swaps the merged segment in place of its sources,
// carrying over any deletions that landed on the sources while the
// merge ran. A merge whose sources were rolled back, or that raced
// Close, is abandoned.
func (w *Writer) completeMerge(res *mergeResult) {
	spec := res.spec

	w.mu.Lock()
	defer w.mu.Unlock()

	release := func() {
		for _, src := range spec.sources {
			delete(w.merging, src.id)
			src.snapRefs--
			w.maybeDropLocked(src)
		}
	}

	if res.err != nil {
		w.mergeErr = res.err
		release()
		return
	}

	abandon := w.closed
	for _, src := range spec.sources {
		if !w.infos.contains(src.id) {
			abandon = true
		}
	}
	if abandon {
		_ = res.merged.seg.DecRef()
		_ = w.dir.DeleteFile(segmentFileName(res.merged.id))
		release()
		return
	}

	mergedDel := roaring.New()
	for i, src := range spec.sources {
		if src.deleted == nil {
			continue
		}
		extra := src.deleted
		if spec.srcDeleted[i] != nil {
			extra = roaring.AndNot(src.deleted, spec.srcDeleted[i])
		}
		it := extra.Iterator()
		for it.HasNext() {
			nd := res.newDocNums[i][it.Next()]
			if nd != segment.DocDropped {
				mergedDel.Add(uint32(nd))
			}
		}
	}
	if !mergedDel.IsEmpty() {
		err := writeDeletes(w.dir, res.merged.id, 0, mergedDel)
		if err != nil {
			w.mergeErr = err
			_ = res.merged.seg.DecRef()
			_ = w.dir.DeleteFile(segmentFileName(res.merged.id))
			release()
			return
		}
		res.merged.deleted = mergedDel
		res.merged.delGen = 0
	}

	isSource := map[uint64]struct{}{}
	for _, src := range spec.sources {
		isSource[src.id] = struct{}{}
	}
	newSegs := make([]segmentEntry, 0, len(w.infos.segments))
	inserted := false
	for _, e := range w.infos.segments {
		if _, ok := isSource[e.id]; ok {
			if !inserted {
				newSegs = append(newSegs, segmentEntry{
					id:       res.merged.id,
					delGen:   res.merged.delGen,
					docCount: res.merged.seg.Count(),
				})
				inserted = true
			}
			continue
		}
		newSegs = append(newSegs, e)
	}
	w.infos.segments = newSegs
	w.handles[res.merged.id] = res.merged
	w.metrics.Merges.Inc()
	release()
}
