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

import "math"

// Similarity holds the BM25 scoring parameters. K1 shapes term-frequency
// saturation; B weighs field-length normalization. The score is
// monotonically increasing in term frequency and inverse document
// frequency, decreasing in normalized field length, and saturating in
// term frequency.
type Similarity struct {
	K1 float64
	B  float64
}

// DefaultSimilarity returns the standard BM25 parameters.
func DefaultSimilarity() Similarity {
	return Similarity{K1: 1.2, B: 0.75}
}

// IDF returns the inverse document frequency component for a term with
// docFreq postings among docCount documents.
func (s Similarity) IDF(docCount, docFreq uint64) float64 {
	n := float64(docFreq)
	total := float64(docCount)
	return math.Log(1 + (total-n+0.5)/(n+0.5))
}

// TFNorm returns the saturating, length-normalized term frequency
// component. avgFieldLen of zero disables length normalization.
func (s Similarity) TFNorm(freq, fieldLen uint64, avgFieldLen float64) float64 {
	tf := float64(freq)
	norm := s.K1
	if avgFieldLen > 0 {
		norm = s.K1 * (1 - s.B + s.B*(float64(fieldLen)/avgFieldLen))
	}
	return tf * (s.K1 + 1) / (tf + norm)
}
