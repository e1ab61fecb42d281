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

import "container/heap"

// TopKCollector keeps the k best hits seen so far in a min-heap, so each
// new hit costs at most one heap operation. Ranking is by descending
// score, ties broken by ascending doc id.
type TopKCollector struct {
	k     int
	heap  hitHeap
	total uint64
}

func NewTopKCollector(k int) *TopKCollector {
	if k < 0 {
		k = 0
	}
	return &TopKCollector{k: k, heap: make(hitHeap, 0, k)}
}

// Collect offers one hit to the collector.
func (c *TopKCollector) Collect(doc uint64, score float64) {
	c.total++
	if c.k == 0 {
		return
	}
	if len(c.heap) < c.k {
		heap.Push(&c.heap, Hit{Doc: doc, Score: score})
		return
	}
	worst := c.heap[0]
	if score > worst.Score || (score == worst.Score && doc < worst.Doc) {
		c.heap[0] = Hit{Doc: doc, Score: score}
		heap.Fix(&c.heap, 0)
	}
}

// Total returns the number of hits offered, not just those retained.
func (c *TopKCollector) Total() uint64 { return c.total }

// Top drains the collector, returning the retained hits ranked best
// first.
func (c *TopKCollector) Top() []Hit {
	rv := make([]Hit, len(c.heap))
	for i := len(rv) - 1; i >= 0; i-- {
		rv[i] = heap.Pop(&c.heap).(Hit)
	}
	return rv
}

// hitHeap is a min-heap by rank: the root is the worst retained hit.
type hitHeap []Hit

func (h hitHeap) Len() int { return len(h) }

func (h hitHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].Doc > h[j].Doc
}

func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x interface{}) {
	*h = append(*h, x.(Hit))
}

func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
