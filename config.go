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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SimilarityConfig holds the tunable scoring parameters.
type SimilarityConfig struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// Config controls writer buffering, segment encoding and merging.
type Config struct {
	// MaxBufferedDocs triggers an automatic flush when the RAM buffer
	// reaches this many documents.
	MaxBufferedDocs int `yaml:"maxBufferedDocs"`

	// MaxBufferedBytes triggers an automatic flush when the estimated
	// RAM buffer size reaches this many bytes.
	MaxBufferedBytes int64 `yaml:"maxBufferedBytes"`

	// ChunkFactor is the number of documents per postings/doc-value
	// chunk in newly written segments.
	ChunkFactor uint32 `yaml:"chunkFactor"`

	// MergeFanIn is the number of same-tier segments that triggers a
	// merge of that tier.
	MergeFanIn int `yaml:"mergeFanIn"`

	// MergeGrowthFactor is the exponential doc-count growth between
	// merge tiers.
	MergeGrowthFactor float64 `yaml:"mergeGrowthFactor"`

	// MergeDeletedRatio triggers a space-reclaiming merge of any
	// segment whose deleted fraction reaches it.
	MergeDeletedRatio float64 `yaml:"mergeDeletedRatio"`

	// MaxConcurrentMerges bounds the background merge workers.
	MaxConcurrentMerges int `yaml:"maxConcurrentMerges"`

	Similarity SimilarityConfig `yaml:"similarity"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxBufferedDocs:     1000,
		MaxBufferedBytes:    64 << 20,
		ChunkFactor:         128,
		MergeFanIn:          10,
		MergeGrowthFactor:   10,
		MergeDeletedRatio:   0.5,
		MaxConcurrentMerges: 2,
		Similarity:          SimilarityConfig{K1: 1.2, B: 0.75},
	}
}

// LoadConfig reads a YAML config file, applying defaults for zero-valued
// fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	rv := DefaultConfig()
	err = yaml.Unmarshal(data, &rv)
	if err != nil {
		return Config{}, fmt.Errorf("fathom: parsing config %s: %w", path, err)
	}
	err = rv.Validate()
	if err != nil {
		return Config{}, err
	}
	return rv, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxBufferedDocs < 1:
		return fmt.Errorf("fathom: maxBufferedDocs must be >= 1, got %d", c.MaxBufferedDocs)
	case c.MaxBufferedBytes < 1:
		return fmt.Errorf("fathom: maxBufferedBytes must be >= 1, got %d", c.MaxBufferedBytes)
	case c.ChunkFactor < 1:
		return fmt.Errorf("fathom: chunkFactor must be >= 1, got %d", c.ChunkFactor)
	case c.MergeFanIn < 2:
		return fmt.Errorf("fathom: mergeFanIn must be >= 2, got %d", c.MergeFanIn)
	case c.MergeGrowthFactor <= 1:
		return fmt.Errorf("fathom: mergeGrowthFactor must be > 1, got %g", c.MergeGrowthFactor)
	case c.MergeDeletedRatio <= 0 || c.MergeDeletedRatio > 1:
		return fmt.Errorf("fathom: mergeDeletedRatio must be in (0, 1], got %g", c.MergeDeletedRatio)
	case c.MaxConcurrentMerges < 1:
		return fmt.Errorf("fathom: maxConcurrentMerges must be >= 1, got %d", c.MaxConcurrentMerges)
	case c.Similarity.K1 < 0:
		return fmt.Errorf("fathom: similarity k1 must be >= 0, got %g", c.Similarity.K1)
	case c.Similarity.B < 0 || c.Similarity.B > 1:
		return fmt.Errorf("fathom: similarity b must be in [0, 1], got %g", c.Similarity.B)
	}
	return nil
}
