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

import "github.com/RoaringBitmap/roaring/v2"

// matchAllWeight matches every live document of a segment at a constant
// score.
type matchAllWeight struct {
	boost float64
}

func (w *matchAllWeight) Scorer(seg SegmentReader) (Scorer, error) {
	maxDoc := seg.MaxDoc()
	if maxDoc == 0 {
		return nil, nil
	}
	docs := roaring.New()
	docs.AddRange(0, maxDoc)
	if deleted := seg.Deleted(); deleted != nil {
		docs.AndNot(deleted)
	}
	if docs.IsEmpty() {
		return nil, nil
	}
	return newBitmapScorer(docs, w.boost), nil
}
