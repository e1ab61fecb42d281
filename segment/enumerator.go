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
	"bytes"

	"github.com/blevesearch/vellum"
)

// enumerator advances a set of vellum iterators in unison, presenting the
// union of their (key, iterator index, value) triples in (key, index)
// order. Used by the merger for the k-way ordered union over term
// dictionaries.
type enumerator struct {
	itrs   []vellum.Iterator
	currKs [][]byte
	currVs []uint64

	lowK    []byte
	lowIdxs []int
	lowCurr int
}

// newEnumerator returns a new enumerator over the iterators. Iterators
// that are already done (nil) are permitted.
func newEnumerator(itrs []vellum.Iterator) (*enumerator, error) {
	rv := &enumerator{
		itrs:   itrs,
		currKs: make([][]byte, len(itrs)),
		currVs: make([]uint64, len(itrs)),
	}
	for i, itr := range itrs {
		if itr == nil {
			continue
		}
		rv.currKs[i], rv.currVs[i] = itr.Current()
	}
	rv.updateMatches()
	if rv.lowK == nil && len(rv.lowIdxs) == 0 {
		return rv, vellum.ErrIteratorDone
	}
	return rv, nil
}

// updateMatches maintains the low key matches based on the current keys.
func (m *enumerator) updateMatches() {
	m.lowK = nil
	m.lowIdxs = m.lowIdxs[:0]
	m.lowCurr = 0

	for i, key := range m.currKs {
		if key == nil {
			continue
		}
		cmp := bytes.Compare(key, m.lowK)
		if m.lowK == nil || cmp < 0 {
			m.lowK = key
			m.lowIdxs = m.lowIdxs[:0]
			m.lowIdxs = append(m.lowIdxs, i)
		} else if cmp == 0 {
			m.lowIdxs = append(m.lowIdxs, i)
		}
	}
}

// Current returns the enumerator's current key, iterator index and value.
// If the enumerator is not pointing at a valid value, Next must be called
// first.
func (m *enumerator) Current() ([]byte, int, uint64) {
	var i int
	var v uint64
	if m.lowCurr < len(m.lowIdxs) {
		i = m.lowIdxs[m.lowCurr]
		v = m.currVs[i]
	}
	return m.lowK, i, v
}

// Next advances to the next key/iterator pair, returning
// vellum.ErrIteratorDone when the union is exhausted.
func (m *enumerator) Next() error {
	m.lowCurr++
	if m.lowCurr >= len(m.lowIdxs) {
		// move all the matching iterators to their next key
		for _, vi := range m.lowIdxs {
			err := m.itrs[vi].Next()
			if err != nil && err != vellum.ErrIteratorDone {
				return err
			}
			if err == vellum.ErrIteratorDone {
				m.currKs[vi] = nil
				m.currVs[vi] = 0
			} else {
				m.currKs[vi], m.currVs[vi] = m.itrs[vi].Current()
			}
		}
		m.updateMatches()
	}
	if m.lowK == nil && len(m.lowIdxs) == 0 {
		return vellum.ErrIteratorDone
	}
	return nil
}

// Close closes all the underlying iterators.
func (m *enumerator) Close() error {
	var rv error
	for _, itr := range m.itrs {
		if itr == nil {
			continue
		}
		err := itr.Close()
		if rv == nil {
			rv = err
		}
	}
	return rv
}
