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
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"

	"github.com/blevesearch/fathom/document"
)

// Dictionary is the term dictionary for one field of one segment, backed
// by a vellum FST mapping term bytes to the term's postings address.
type Dictionary struct {
	sb      *SegmentBase
	field   string
	fieldID uint16
	fst     *vellum.FST
}

// Field returns the field this dictionary covers.
func (d *Dictionary) Field() string { return d.field }

// FieldOptions returns the indexing options recorded for this field.
func (d *Dictionary) FieldOptions() document.IndexingOptions {
	return d.sb.fieldsOptions[d.fieldID]
}

// PostingsList returns the postings for the given term. except, which may
// be nil, removes deleted documents from iteration. A term absent from
// the dictionary yields an empty postings list, not an error.
func (d *Dictionary) PostingsList(term []byte, except *roaring.Bitmap) (*PostingsList, error) {
	if d == nil || d.fst == nil {
		return emptyPostingsList, nil
	}
	postingsOffset, exists, err := d.fst.Get(term)
	if err != nil {
		return nil, err
	}
	if !exists {
		return emptyPostingsList, nil
	}
	return d.postingsListFromOffset(postingsOffset, except)
}

func (d *Dictionary) postingsListFromOffset(postingsOffset uint64,
	except *roaring.Bitmap) (*PostingsList, error) {
	return d.sb.postingsListFromOffset(postingsOffset, except)
}

// DictEntry is one term in an ordered dictionary iteration.
type DictEntry struct {
	Term           string
	Count          uint64
	postingsOffset uint64
}

// DictionaryIterator walks a range of a field's terms in byte order.
type DictionaryIterator struct {
	d    *Dictionary
	itr  vellum.Iterator
	err  error
	next DictEntry
}

// Iterator returns an ordered iteration of terms in
// [startInclusive, endExclusive); nil bounds are unbounded.
func (d *Dictionary) Iterator(startInclusive, endExclusive []byte) *DictionaryIterator {
	rv := &DictionaryIterator{d: d}
	if d == nil || d.fst == nil {
		rv.err = vellum.ErrIteratorDone
		return rv
	}
	rv.itr, rv.err = d.fst.Iterator(startInclusive, endExclusive)
	return rv
}

// Next returns the next term, or nil at the end of the range.
func (i *DictionaryIterator) Next() (*DictEntry, error) {
	if i.err == vellum.ErrIteratorDone {
		return nil, nil
	}
	if i.err != nil {
		return nil, i.err
	}
	term, postingsOffset := i.itr.Current()
	pl, err := i.d.postingsListFromOffset(postingsOffset, nil)
	if err != nil {
		return nil, err
	}
	i.next.Term = string(term)
	i.next.Count = pl.Count()
	i.next.postingsOffset = postingsOffset
	i.err = i.itr.Next()
	return &i.next, nil
}

// PostingsForEntry returns the postings list for an entry produced by
// this iterator, without a second dictionary lookup.
func (i *DictionaryIterator) PostingsForEntry(e *DictEntry,
	except *roaring.Bitmap) (*PostingsList, error) {
	return i.d.postingsListFromOffset(e.postingsOffset, except)
}
