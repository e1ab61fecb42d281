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
	"fmt"
	"io"
)

// chunkedIntCoder accumulates uvarint-encoded values bucketed into chunks
// of chunkSize documents. The chunk a document's values land in is
// docNum/chunkSize, so a reader can jump to the chunk containing a target
// document without decoding the stream before it.
type chunkedIntCoder struct {
	chunkSize uint64
	currChunk uint64
	chunkLens []uint64
	chunkBuf  bytes.Buffer
	final     []byte
	buf       []byte
}

func newChunkedIntCoder(chunkSize, maxDocNum uint64) *chunkedIntCoder {
	total := maxDocNum/chunkSize + 1
	return &chunkedIntCoder{
		chunkSize: chunkSize,
		chunkLens: make([]uint64, total),
		buf:       make([]byte, binary.MaxVarintLen64),
	}
}

// Reset lets a coder be reused for another field/term.
func (c *chunkedIntCoder) Reset() {
	c.currChunk = 0
	c.chunkBuf.Reset()
	c.final = c.final[:0]
	for i := range c.chunkLens {
		c.chunkLens[i] = 0
	}
}

// Add encodes the provided uvarints into the chunk for docNum. Documents
// must be added in non-decreasing docNum order.
func (c *chunkedIntCoder) Add(docNum uint64, vals ...uint64) error {
	chunk := docNum / c.chunkSize
	if chunk != c.currChunk {
		c.flushChunk()
		c.currChunk = chunk
	}
	for _, val := range vals {
		n := binary.PutUvarint(c.buf, val)
		_, err := c.chunkBuf.Write(c.buf[:n])
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *chunkedIntCoder) flushChunk() {
	encodingBytes := c.chunkBuf.Bytes()
	c.chunkLens[c.currChunk] = uint64(len(encodingBytes))
	c.final = append(c.final, encodingBytes...)
	c.chunkBuf.Reset()
}

// Close flushes the pending chunk.
func (c *chunkedIntCoder) Close() {
	c.flushChunk()
}

// Write emits the coder's output: uvarint chunk count, uvarint chunk
// lengths, then the concatenated chunk data.
func (c *chunkedIntCoder) Write(w io.Writer) (int, error) {
	nChunks := c.currChunk + 1
	var tw int
	n := binary.PutUvarint(c.buf, nChunks)
	nw, err := w.Write(c.buf[:n])
	tw += nw
	if err != nil {
		return tw, err
	}
	for _, chunkLen := range c.chunkLens[:nChunks] {
		n := binary.PutUvarint(c.buf, chunkLen)
		nw, err = w.Write(c.buf[:n])
		tw += nw
		if err != nil {
			return tw, err
		}
	}
	nw, err = w.Write(c.final)
	tw += nw
	return tw, err
}

// memUvarintReader reads uvarints sequentially from an in-memory slice.
type memUvarintReader struct {
	s []byte
	i int
}

func newMemUvarintReader(s []byte) *memUvarintReader {
	return &memUvarintReader{s: s}
}

func (r *memUvarintReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.s[r.i:])
	if n <= 0 {
		return 0, fmt.Errorf("memUvarintReader: invalid uvarint at %d", r.i)
	}
	r.i += n
	return v, nil
}

func (r *memUvarintReader) SkipUvarint() error {
	_, err := r.ReadUvarint()
	return err
}

func (r *memUvarintReader) Len() int {
	return len(r.s) - r.i
}

func (r *memUvarintReader) Reset(s []byte) {
	r.s = s
	r.i = 0
}

// chunkedIntDecoder is the reading counterpart of chunkedIntCoder. It
// parses the chunk length table once and then exposes per-chunk uvarint
// readers addressed by chunk number.
type chunkedIntDecoder struct {
	data         []byte
	chunkOffsets []uint64
	payloadStart uint64
	r            *memUvarintReader
}

func newChunkedIntDecoder(data []byte) (*chunkedIntDecoder, error) {
	rd := newMemUvarintReader(data)
	nChunks, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	rv := &chunkedIntDecoder{
		data:         data,
		chunkOffsets: make([]uint64, nChunks+1),
		r:            &memUvarintReader{},
	}
	var running uint64
	for i := uint64(0); i < nChunks; i++ {
		chunkLen, err := rd.ReadUvarint()
		if err != nil {
			return nil, err
		}
		rv.chunkOffsets[i] = running
		running += chunkLen
	}
	rv.chunkOffsets[nChunks] = running
	rv.payloadStart = uint64(rd.i)
	return rv, nil
}

func (d *chunkedIntDecoder) numChunks() uint64 {
	return uint64(len(d.chunkOffsets) - 1)
}

// loadChunk points the decoder's reader at the given chunk.
func (d *chunkedIntDecoder) loadChunk(chunk uint64) error {
	if chunk >= d.numChunks() {
		return fmt.Errorf("tried to load chunk %d of %d", chunk, d.numChunks())
	}
	start := d.payloadStart + d.chunkOffsets[chunk]
	end := d.payloadStart + d.chunkOffsets[chunk+1]
	d.r.Reset(d.data[start:end])
	return nil
}

func (d *chunkedIntDecoder) readUvarint() (uint64, error) {
	return d.r.ReadUvarint()
}

func (d *chunkedIntDecoder) SkipUvarint() error {
	return d.r.SkipUvarint()
}
