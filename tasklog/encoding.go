// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// CRC32 table for the Castagnoli polynomial.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes a CRC32-C checksum.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// Fixed-size integers are stored little-endian.

func putUint32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func putUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func getUint32(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }
func getUint64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

// recordReader walks framed records with position tracking.
type recordReader struct {
	buf []byte
	pos int
}

func (r *recordReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *recordReader) readUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := getUint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *recordReader) readUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := getUint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// readSlice returns the next n bytes without copying. The result's capacity
// is clipped so appends to it cannot clobber the following record.
func (r *recordReader) readSlice(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	s := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return s, nil
}
