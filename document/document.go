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

// Package document defines the input contracts of the engine: documents,
// fields, typed values and the token stream produced by an external
// analysis pipeline.
package document

import (
	"bytes"
	"fmt"
)

// IndexingOptions control what gets recorded for a field.
type IndexingOptions uint16

const (
	Indexed IndexingOptions = 1 << iota
	StorePositions
	StoreOffsets
	Stored
	DocValues
	Norms
)

func (o IndexingOptions) IsIndexed() bool        { return o&Indexed != 0 }
func (o IndexingOptions) IncludePositions() bool { return o&StorePositions != 0 }
func (o IndexingOptions) IncludeOffsets() bool   { return o&StoreOffsets != 0 }
func (o IndexingOptions) IsStored() bool         { return o&Stored != 0 }
func (o IndexingOptions) HasDocValues() bool     { return o&DocValues != 0 }
func (o IndexingOptions) HasNorms() bool         { return o&Norms != 0 }

// Narrows reports whether other drops capabilities this option set already
// promised. A field's options may widen across documents, never narrow.
func (o IndexingOptions) Narrows(other IndexingOptions) bool {
	return o&other != o
}

// ValueType enumerates the typed values a field can carry into stored
// fields and doc values.
type ValueType byte

const (
	TypeNull ValueType = iota
	TypeBytes
	TypeBool
	TypeF64
	TypeI64
	TypeU64
	TypeString
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBytes:
		return "bytes"
	case TypeBool:
		return "bool"
	case TypeF64:
		return "f64"
	case TypeI64:
		return "i64"
	case TypeU64:
		return "u64"
	case TypeString:
		return "string"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Token is one element of an analyzed field.
type Token struct {
	Term     []byte
	Position int
	Start    int
	End      int
}

// TokenStream is a lazy, finite, single-pass sequence of tokens. Next
// returns nil when the stream is exhausted. The engine consumes a stream
// exactly once, at segment build time.
type TokenStream interface {
	Next() (*Token, error)
}

// Field is one named, typed input value, optionally accompanied by the
// analyzed token stream to index.
type Field struct {
	Name    string
	Type    ValueType
	Value   []byte
	Options IndexingOptions
	Tokens  TokenStream
}

// Document is the ephemeral unit of indexing: an ordered list of fields.
// It is consumed by the segment builder and not retained.
type Document struct {
	Fields []Field
}

// OptionsConflictError reports a field whose indexing options were
// narrowed relative to what the index has already observed.
type OptionsConflictError struct {
	Field string
	Have  IndexingOptions
	Got   IndexingOptions
}

func (e *OptionsConflictError) Error() string {
	return fmt.Sprintf("field %q: indexing options narrowed from %04x to %04x",
		e.Field, uint16(e.Have), uint16(e.Got))
}

// tokenSlice replays a pre-built token slice.
type tokenSlice struct {
	tokens []Token
	next   int
}

func (s *tokenSlice) Next() (*Token, error) {
	if s.next >= len(s.tokens) {
		return nil, nil
	}
	t := &s.tokens[s.next]
	s.next++
	return t, nil
}

// NewTokenStream wraps a pre-analyzed token slice as a single-pass stream.
func NewTokenStream(tokens []Token) TokenStream {
	return &tokenSlice{tokens: tokens}
}

// SplitTokens splits value on spaces, assigning sequential positions and
// byte offsets. It stands in for a real analyzer in tests and examples.
func SplitTokens(value []byte) []Token {
	var rv []Token
	pos := 0
	off := 0
	for _, part := range bytes.Split(value, []byte(" ")) {
		if len(part) > 0 {
			rv = append(rv, Token{
				Term:     part,
				Position: pos,
				Start:    off,
				End:      off + len(part),
			})
			pos++
		}
		off += len(part) + 1
	}
	return rv
}

// NewTextField builds an indexed, stored text field analyzed by
// SplitTokens, with positions and norms.
func NewTextField(name string, value []byte) Field {
	return Field{
		Name:    name,
		Type:    TypeString,
		Value:   value,
		Options: Indexed | StorePositions | StoreOffsets | Stored | Norms,
		Tokens:  NewTokenStream(SplitTokens(value)),
	}
}

// NewKeywordField builds an indexed, stored field whose entire value is a
// single term, suitable for identifiers.
func NewKeywordField(name string, value []byte) Field {
	return Field{
		Name:    name,
		Type:    TypeString,
		Value:   value,
		Options: Indexed | Stored | DocValues,
		Tokens: NewTokenStream([]Token{{
			Term: value, Position: 0, Start: 0, End: len(value),
		}}),
	}
}
