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
	"hash/crc32"
	"io"
)

// CountHashWriter is an io.Writer which counts the number of bytes written
// and maintains a running CRC32 of everything it has seen.
type CountHashWriter struct {
	w   io.Writer
	crc uint32
	n   int
}

// NewCountHashWriter returns a CountHashWriter which wraps the provided
// io.Writer.
func NewCountHashWriter(w io.Writer) *CountHashWriter {
	return &CountHashWriter{w: w}
}

func (c *CountHashWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.crc = crc32.Update(c.crc, crc32.IEEETable, b[:n])
	c.n += n
	return n, err
}

// Count returns the number of bytes written so far.
func (c *CountHashWriter) Count() int {
	return c.n
}

// Sum32 returns the CRC32 of the bytes written so far.
func (c *CountHashWriter) Sum32() uint32 {
	return c.crc
}
