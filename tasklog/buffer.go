// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"errors"
	"fmt"
)

// Buffer header layout:
// Magic(4) + CRC(4) + BufferID(8) + RecordCount(4) + ByteLength(4) + Reserved(4) = 28 bytes.
// The CRC covers everything after the CRC field.
const BufferHeaderSize = 28

// Record header layout: Length(4) + PartitionID(4) + Ordinal(8) = 16 bytes.
// Length counts the payload only.
const RecordHeaderSize = 16

// BufferMagic identifies a task buffer ("TBUF").
const BufferMagic uint32 = 0x46554254

var (
	ErrInvalidBuffer = errors.New("invalid task buffer")
	ErrInvalidMagic  = errors.New("invalid task buffer magic")
	ErrCRCMismatch   = errors.New("task buffer crc mismatch")
)

// Task is a single transaction task captured for replay.
type Task struct {
	PartitionID int32
	// Ordinal is the transaction ordinal (spHandle) used against the recording cutoff.
	Ordinal int64
	Payload []byte
}

// RecordSize returns the framed size of a task with the given payload length.
func RecordSize(payloadLen int) int {
	return RecordHeaderSize + payloadLen
}

// BufferState is the lifecycle state of a Buffer.
type BufferState uint8

const (
	BufferOpen BufferState = iota
	BufferSealed
)

func (s BufferState) String() string {
	switch s {
	case BufferOpen:
		return "open"
	case BufferSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// Buffer is a bounded, length-framed log of tasks. It is appendable while
// Open and only readable, front to back, once Sealed.
//
// Buffer is not safe for concurrent use; Log confines each buffer to its
// owner goroutine.
type Buffer struct {
	id       uint64
	capacity int
	data     []byte
	count    uint32
	state    BufferState

	reader recordReader
	read   uint32
}

// NewBuffer creates an open buffer whose total size, header included, is
// bounded by capacity.
func NewBuffer(id uint64, capacity int) *Buffer {
	if capacity < BufferHeaderSize+RecordHeaderSize {
		capacity = BufferHeaderSize + RecordHeaderSize
	}
	b := &Buffer{
		id:       id,
		capacity: capacity,
		data:     make([]byte, BufferHeaderSize, capacity),
	}
	return b
}

// newOversizedBuffer creates a buffer sized to fit exactly one record.
func newOversizedBuffer(id uint64, payloadLen int) *Buffer {
	return NewBuffer(id, BufferHeaderSize+RecordSize(payloadLen))
}

// ID returns the buffer sequence number.
func (b *Buffer) ID() uint64 { return b.id }

// Count returns the number of records in the buffer.
func (b *Buffer) Count() int { return int(b.count) }

// Len returns the encoded size of the buffer, header included.
func (b *Buffer) Len() int { return len(b.data) }

// State returns the buffer state.
func (b *Buffer) State() BufferState { return b.state }

// Headroom returns the number of bytes still available for records.
func (b *Buffer) Headroom() int { return b.capacity - len(b.data) }

// TryAppend frames t into the buffer. It reports false, leaving the buffer
// untouched, when the record does not fit. Appending to a sealed buffer is a
// programming error and panics.
func (b *Buffer) TryAppend(t Task) (headroom int, ok bool) {
	if b.state == BufferSealed {
		panic(fmt.Sprintf("tasklog: append to sealed buffer %d", b.id))
	}

	size := RecordSize(len(t.Payload))
	if size > b.Headroom() {
		return b.Headroom(), false
	}

	var hdr [RecordHeaderSize]byte
	putUint32(hdr[0:4], uint32(len(t.Payload)))
	putUint32(hdr[4:8], uint32(t.PartitionID))
	putUint64(hdr[8:16], uint64(t.Ordinal))

	b.data = append(b.data, hdr[:]...)
	b.data = append(b.data, t.Payload...)
	b.count++

	return b.Headroom(), true
}

// Seal finalizes the header and makes the buffer readable. Sealing twice is a no-op.
func (b *Buffer) Seal() {
	if b.state == BufferSealed {
		return
	}
	b.state = BufferSealed

	putUint32(b.data[0:4], BufferMagic)
	putUint64(b.data[8:16], b.id)
	putUint32(b.data[16:20], b.count)
	putUint32(b.data[20:24], uint32(len(b.data)-BufferHeaderSize))
	putUint32(b.data[24:28], 0)
	putUint32(b.data[4:8], Checksum(b.data[8:]))

	b.reader = recordReader{buf: b.data, pos: BufferHeaderSize}
}

// Bytes returns the encoded form of a sealed buffer.
func (b *Buffer) Bytes() []byte {
	if b.state != BufferSealed {
		panic(fmt.Sprintf("tasklog: encode of open buffer %d", b.id))
	}
	return b.data
}

// Next returns the next record in append order. Reading an open buffer is a
// programming error and panics.
func (b *Buffer) Next() (Task, bool) {
	if b.state != BufferSealed {
		panic(fmt.Sprintf("tasklog: read of open buffer %d", b.id))
	}
	if b.read >= b.count {
		return Task{}, false
	}

	t, err := b.readRecord()
	if err != nil {
		// Sealed buffers are validated on decode; a short record means memory corruption.
		panic(fmt.Sprintf("tasklog: corrupt record in buffer %d: %v", b.id, err))
	}
	b.read++
	return t, true
}

// Remaining returns the number of records not yet read.
func (b *Buffer) Remaining() int {
	return int(b.count - b.read)
}

func (b *Buffer) readRecord() (Task, error) {
	length, err := b.reader.readUint32()
	if err != nil {
		return Task{}, err
	}
	partition, err := b.reader.readUint32()
	if err != nil {
		return Task{}, err
	}
	ordinal, err := b.reader.readUint64()
	if err != nil {
		return Task{}, err
	}
	payload, err := b.reader.readSlice(int(length))
	if err != nil {
		return Task{}, err
	}
	return Task{
		PartitionID: int32(partition),
		Ordinal:     int64(ordinal),
		Payload:     payload,
	}, nil
}

// DecodeBuffer validates an encoded buffer and returns it sealed, positioned
// at its first record.
func DecodeBuffer(data []byte) (*Buffer, error) {
	if len(data) < BufferHeaderSize {
		return nil, ErrInvalidBuffer
	}
	if getUint32(data[0:4]) != BufferMagic {
		return nil, ErrInvalidMagic
	}
	if getUint32(data[4:8]) != Checksum(data[8:]) {
		return nil, ErrCRCMismatch
	}

	id := getUint64(data[8:16])
	count := getUint32(data[16:20])
	length := getUint32(data[20:24])
	if int(length) != len(data)-BufferHeaderSize {
		return nil, fmt.Errorf("%w: length %d, have %d", ErrInvalidBuffer, length, len(data)-BufferHeaderSize)
	}

	b := &Buffer{
		id:       id,
		capacity: len(data),
		data:     data,
		count:    count,
		state:    BufferSealed,
		reader:   recordReader{buf: data, pos: BufferHeaderSize},
	}

	// Walk the records once so Next never trips over a truncated frame.
	check := recordReader{buf: data, pos: BufferHeaderSize}
	for i := uint32(0); i < count; i++ {
		if err := skipRecord(&check); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidBuffer, i, err)
		}
	}
	if check.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidBuffer, check.remaining())
	}

	return b, nil
}

func skipRecord(r *recordReader) error {
	length, err := r.readUint32()
	if err != nil {
		return err
	}
	if r.remaining() < 12 {
		return errors.New("short record header")
	}
	r.pos += 12
	_, err = r.readSlice(int(length))
	return err
}
