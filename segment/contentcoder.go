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
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
)

// MetaData identifies one document's value inside a chunk: the document
// number and the offset just past its bytes in the uncompressed chunk
// payload.
type MetaData struct {
	DocNum      uint64
	DocDvOffset uint64
}

// chunkedContentCoder writes variable-length per-document byte values
// bucketed into chunks of chunkSize documents. Each chunk carries a
// header of MetaData entries followed by the snappy-compressed payload.
type chunkedContentCoder struct {
	chunkSize uint64
	currChunk uint64
	chunkLens []uint64

	chunkMetaBuf bytes.Buffer
	chunkBuf     bytes.Buffer
	chunkMeta    []MetaData

	final       []byte
	compressed  []byte
	doneWriting bool

	buf []byte
}

func newChunkedContentCoder(chunkSize, maxDocNum uint64) *chunkedContentCoder {
	total := maxDocNum/chunkSize + 1
	return &chunkedContentCoder{
		chunkSize: chunkSize,
		chunkLens: make([]uint64, total),
		chunkMeta: make([]MetaData, 0, total),
		buf:       make([]byte, binary.MaxVarintLen64),
	}
}

// Add encodes the value for docNum. Documents must arrive in ascending
// docNum order.
func (c *chunkedContentCoder) Add(docNum uint64, vals []byte) error {
	chunk := docNum / c.chunkSize
	if chunk != c.currChunk {
		err := c.flushContents()
		if err != nil {
			return err
		}
		c.chunkBuf.Reset()
		c.chunkMetaBuf.Reset()
		c.chunkMeta = c.chunkMeta[:0]
		c.currChunk = chunk
	}
	_, err := c.chunkBuf.Write(vals)
	if err != nil {
		return err
	}
	c.chunkMeta = append(c.chunkMeta, MetaData{
		DocNum:      docNum,
		DocDvOffset: uint64(c.chunkBuf.Len()),
	})
	return nil
}

func (c *chunkedContentCoder) flushContents() error {
	// chunk header: count, then (docNum, offset) pairs
	n := binary.PutUvarint(c.buf, uint64(len(c.chunkMeta)))
	_, err := c.chunkMetaBuf.Write(c.buf[:n])
	if err != nil {
		return err
	}
	for _, meta := range c.chunkMeta {
		n := binary.PutUvarint(c.buf, meta.DocNum)
		_, err = c.chunkMetaBuf.Write(c.buf[:n])
		if err != nil {
			return err
		}
		n = binary.PutUvarint(c.buf, meta.DocDvOffset)
		_, err = c.chunkMetaBuf.Write(c.buf[:n])
		if err != nil {
			return err
		}
	}

	metaData := c.chunkMetaBuf.Bytes()
	c.final = append(c.final, metaData...)
	c.compressed = snappy.Encode(c.compressed[:cap(c.compressed)], c.chunkBuf.Bytes())
	c.chunkLens[c.currChunk] = uint64(len(c.compressed) + len(metaData))
	c.final = append(c.final, c.compressed...)
	return nil
}

// Close flushes the pending chunk.
func (c *chunkedContentCoder) Close() error {
	if c.doneWriting {
		return nil
	}
	c.doneWriting = true
	return c.flushContents()
}

// Write emits: chunk data, chunk offsets (uvarints), the byte length of
// the offsets block (u64), and the chunk count (u64). Readers parse the
// section back-to-front.
func (c *chunkedContentCoder) Write(w io.Writer) (int, error) {
	var tw int
	nw, err := w.Write(c.final)
	tw += nw
	if err != nil {
		return tw, err
	}

	nChunks := c.currChunk + 1
	var offsetsLen uint64
	var running uint64
	for _, chunkLen := range c.chunkLens[:nChunks] {
		n := binary.PutUvarint(c.buf, running)
		nw, err = w.Write(c.buf[:n])
		tw += nw
		if err != nil {
			return tw, err
		}
		offsetsLen += uint64(n)
		running += chunkLen
	}

	binary.BigEndian.PutUint64(c.buf, offsetsLen)
	nw, err = w.Write(c.buf[:8])
	tw += nw
	if err != nil {
		return tw, err
	}
	binary.BigEndian.PutUint64(c.buf, nChunks)
	nw, err = w.Write(c.buf[:8])
	tw += nw
	return tw, err
}
